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

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type outputFormat int

const (
	JSON outputFormat = iota
	Human
)

// formatFromFlags returns Human when --human was given.
func formatFromFlags() outputFormat {
	if viper.GetBool("output.human") {
		return Human
	}
	return JSON
}

func print(v interface{}, format outputFormat) error {
	switch format {
	case Human:
		if s, ok := v.(fmt.Stringer); ok {
			_, err := fmt.Fprintln(os.Stdout, s.String())
			return err
		}
		_, err := fmt.Fprintf(os.Stdout, "%+v\n", v)
		return err
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		_, err = fmt.Fprintln(os.Stdout, string(b))
		return err
	}
}
