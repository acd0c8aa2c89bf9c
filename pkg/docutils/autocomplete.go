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
	"slices"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var completionShells = []string{"bash", "zsh", "fish", "powershell"}

func NewAutocompleteCmd(applicationName string) *cobra.Command {
	long := fmt.Sprintf(`Writes a shell completion script for %s.
The bash script goes to /etc/bash_completion.d by default, which usually needs
superuser rights:
	$ sudo %s gen autocomplete
Use --completionfile to choose another path and --type for zsh, fish or
powershell. Open a new shell, or source the file, to load the completions.`, applicationName, applicationName)
	example := fmt.Sprintf(`# Create a zsh completion file
%s gen autocomplete --type zsh --completionfile ~/.zsh/completions/_%s`, applicationName, applicationName)

	cmd := &cobra.Command{
		Use:               "autocomplete",
		Short:             fmt.Sprintf("Generate shell autocompletion script for %s", applicationName),
		Long:              long,
		Example:           example,
		DisableAutoGenTag: true,
		RunE:              autocompleteCmdFunc,
	}

	cmd.Flags().String("completionfile", fmt.Sprintf("/etc/bash_completion.d/%s.sh", applicationName), "Auto completion file")
	cmd.Flags().String("type", "bash", fmt.Sprintf("Auto complete file type, one of %v", completionShells))

	// For bash-completion
	cmd.Flags().SetAnnotation("completionfile", cobra.BashCompFilenameExt, []string{})
	return cmd
}

func writeCompletion(root *cobra.Command, shell, target string) error {
	switch shell {
	case "bash":
		return root.GenBashCompletionFileV2(target, true)
	case "zsh":
		return root.GenZshCompletionFile(target)
	case "fish":
		return root.GenFishCompletionFile(target, true)
	case "powershell":
		return root.GenPowerShellCompletionFileWithDesc(target)
	default:
		return fmt.Errorf("unsupported shell %q, supported: %v", shell, completionShells)
	}
}

func autocompleteCmdFunc(cmd *cobra.Command, args []string) error {
	shell, _ := cmd.Flags().GetString("type")
	target, _ := cmd.Flags().GetString("completionfile")
	if !slices.Contains(completionShells, shell) {
		return fmt.Errorf("unsupported shell %q, supported: %v", shell, completionShells)
	}
	if err := writeCompletion(cmd.Root(), shell, target); err != nil {
		return err
	}
	log.Infof("%s completion file saved to: %s", shell, target)
	return nil
}
