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
	"fmt"
	"os"
	"path"
	"runtime/debug"
	"strings"

	"github.com/lightbitslabs/nvme-baremetal/pkg/config"
	"github.com/lightbitslabs/nvme-baremetal/pkg/docutils"
	"github.com/lightbitslabs/nvme-baremetal/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	applicationName string
	cfgFile         string
)

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viperLoadConfig(cfgFile)
}

func init() {
	applicationName = path.Base(os.Args[0])
}

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "nvme-baremetal",
		Short:             "Polled NVMe driver for memory mapped PCIe controllers",
		Long:              ``,
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(
		docutils.NewGenCmd(applicationName),
		newStatusCmd(),
		newIdentifyCmd(),
		newSmartCmd(),
		newTrimCmd(),
		newBenchCmd(),
		newMonitorCmd(),
	)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./etc/nvme-baremetal/nvme-baremetal.yaml)")
	cmd.MarkFlagFilename("config", "yaml", "yml")

	cmd.PersistentFlags().String("hardware.backend", config.BackendDevMem, "devmem maps the controller through /dev/mem, sim runs against a simulated controller")
	viper.BindPFlag("hardware.backend", cmd.PersistentFlags().Lookup("hardware.backend"))

	cmd.PersistentFlags().String("logging.level", "info", "Log level we support")
	viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("logging.level"))

	cmd.PersistentFlags().String("driver.id", "nvme0", "controller name used in logs and metrics")
	viper.BindPFlag("driver.id", cmd.PersistentFlags().Lookup("driver.id"))

	cmd.PersistentFlags().Bool("human", false, "print human readable output instead of JSON")
	viper.BindPFlag("output.human", cmd.PersistentFlags().Lookup("human"))

	return cmd
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if err := recover(); err != nil {
			logrus.Errorf("start got panic: %s\n%s", err, debug.Stack())
			os.Exit(-2)
		}
	}()

	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(-1)
	}
}

func viperLoadConfig(configFile string) {
	if configFile != "" { // enable ability to specify config file via flag
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigType("yaml")
		viper.SetConfigName("nvme-baremetal")       // name of config file (without extension)
		viper.AddConfigPath("./etc/nvme-baremetal") // adding home directory as first search path
		viper.AddConfigPath("/etc/nvme-baremetal/") // path to look for the config file in 3rd search path
	}
	viper.AutomaticEnv() // read in environment variables that match
	viper.SetEnvPrefix("nvb")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// loadConfig validates the merged configuration and sets up logging.
func loadConfig() (*config.AppConfig, error) {
	appConfig, err := config.LoadFromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := logging.SetupLogging(appConfig.Logging); err != nil {
		return nil, err
	}
	return appConfig, nil
}
