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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewGenDocCmd(applicationName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "doc",
		Short:             fmt.Sprintf("Generate a Markdown format file for each command in `%s` CLI.", applicationName),
		Long:              fmt.Sprintf("Generate Markdown documentation for the `%s` CLI.", applicationName),
		DisableAutoGenTag: true,
		RunE:              gendocCmdFunc,
	}

	cmd.Flags().String("dir", fmt.Sprintf("/tmp/%s-doc/", applicationName), "The directory to write the doc.")
	cmd.Flags().Bool("single-file", false, "generate all commands in single Markdown file.")
	// For bash-completion
	cmd.Flags().SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{})
	return cmd
}

func gendocCmdFunc(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	singleFile, _ := cmd.Flags().GetBool("single-file")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	log.Infof("generating %s command-line documentation in %s", cmd.Root().Name(), dir)
	return GenMarkdownTreeCustom(cmd.Root(), dir, func(string) string { return "" }, singleFile)
}
