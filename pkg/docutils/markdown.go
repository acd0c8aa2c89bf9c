// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package docutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

func NewGenCmd(applicationName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "gen",
		Short:             fmt.Sprintf("Generate documentation and shell completion for %s", applicationName),
		Hidden:            true,
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(
		NewGenDocCmd(applicationName),
		NewAutocompleteCmd(applicationName),
	)
	return cmd
}

// GenMarkdownTreeCustom writes one Markdown file per command into dir, or a
// single <root>.md holding every command when singleFile is set.
func GenMarkdownTreeCustom(root *cobra.Command, dir string, filePrepender func(string) string, singleFile bool) error {
	if !singleFile {
		return doc.GenMarkdownTreeCustom(root, dir, filePrepender, func(name string) string { return name })
	}
	filename := filepath.Join(dir, root.Name()+".md")
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.WriteString(f, filePrepender(filename)); err != nil {
		return err
	}
	return genMarkdownSingle(root, f)
}

// anchorLink points cross references at the section of the same file.
func anchorLink(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return "#" + strings.ReplaceAll(base, "_", "-")
}

func genMarkdownSingle(cmd *cobra.Command, w io.Writer) error {
	if err := doc.GenMarkdownCustom(cmd, w, anchorLink); err != nil {
		return err
	}
	for _, c := range cmd.Commands() {
		if !c.IsAvailableCommand() || c.IsAdditionalHelpTopicCommand() {
			continue
		}
		if err := genMarkdownSingle(c, w); err != nil {
			return err
		}
	}
	return nil
}
