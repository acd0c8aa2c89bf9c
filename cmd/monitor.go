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
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lightbitslabs/nvme-baremetal/pkg/config"
	"github.com/lightbitslabs/nvme-baremetal/pkg/logging"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/lightbitslabs/nvme-baremetal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMonitorCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "monitor",
		Short: "Keep the controller up and export its health",
		Long: `Initialize the controller, poll the SMART / health log and export the
driver metrics on http://<debug.endpoint>/metrics until interrupted. Changes to
logging.level and monitor.pollInterval in the config file are applied live.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              monitorCmdFunc,
	}

	// configure logging
	cmd.Flags().String("logging.filename", "", "filename to write log to")
	viper.BindPFlag("logging.filename", cmd.Flags().Lookup("logging.filename"))
	cmd.MarkFlagFilename("logging.filename", "log")

	cmd.Flags().Duration("logging.maxage", 96*time.Hour, "Time to wait until old logs are purged")
	viper.BindPFlag("logging.maxage", cmd.Flags().Lookup("logging.maxage"))

	cmd.Flags().Int("logging.maxSize", 100, "Maximum size in megabytes of the log file before it gets rotated. (defaults to 100MB).")
	viper.BindPFlag("logging.maxSize", cmd.Flags().Lookup("logging.maxSize"))

	cmd.Flags().Bool("logging.reportcaller", true, "Report func name and line number on log entry")
	viper.BindPFlag("logging.reportcaller", cmd.Flags().Lookup("logging.reportcaller"))

	cmd.Flags().String("debug.endpoint", "0.0.0.0:6060", "ip:port to expose debug and metric information")
	viper.BindPFlag("debug.endpoint", cmd.Flags().Lookup("debug.endpoint"))

	cmd.Flags().Bool("debug.enablepprof", false, "Enable runtime profiling data via HTTP server. http://<endpoint>/debug/pprof/")
	viper.BindPFlag("debug.enablepprof", cmd.Flags().Lookup("debug.enablepprof"))

	cmd.Flags().Bool("debug.metrics", true, "Expose prometheus metrics on http://<endpoint>/metrics")
	viper.BindPFlag("debug.metrics", cmd.Flags().Lookup("debug.metrics"))

	cmd.Flags().Duration("monitor.pollInterval", 10*time.Second, "Time between SMART / health log reads")
	viper.BindPFlag("monitor.pollInterval", cmd.Flags().Lookup("monitor.pollInterval"))

	cmd.Flags().Duration("monitor.reinitInterval", 0, "Time between bring-up attempts of a failed controller. Zero leaves it failed.")
	viper.BindPFlag("monitor.reinitInterval", cmd.Flags().Lookup("monitor.reinitInterval"))

	return cmd
}

func newDebugServer(cfg config.DebugConfig) *http.Server {
	mux := http.NewServeMux()
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{Addr: cfg.Endpoint, Handler: mux}
}

// reloadConfig applies the settings that can change without a restart.
func reloadConfig(svc service.Service) {
	appConfig, err := config.LoadFromViper(viper.GetViper())
	if err != nil {
		logrus.WithError(err).Errorf("ignoring invalid configuration")
		return
	}
	if err := logging.SetLevel(appConfig.Logging.Level); err != nil {
		logrus.WithError(err).Errorf("failed to change log level")
	}
	svc.SetPollInterval(appConfig.Monitor.PollInterval)
}

func monitorCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	logrus.Infof("******************** %s monitor started ********************", applicationName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPlatform(appConfig)
	if err != nil {
		return err
	}
	defer p.Close()
	ctrl, err := nvme.NewController(appConfig.Driver, p.hw)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	// a failed bring-up is reported through the metrics, the monitor may retry it
	if err := ctrl.Init(ctx); err != nil {
		logrus.WithError(err).Errorf("controller %s failed to initialize", ctrl.ID())
	}

	svc := service.NewService(ctx, ctrl, appConfig.Monitor)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	viper.OnConfigChange(func(e fsnotify.Event) {
		logrus.Infof("config file changed: %s (%s)", e.Name, e.Op)
		reloadConfig(svc)
	})
	viper.WatchConfig()

	server := newDebugServer(appConfig.Debug)
	go func() {
		logrus.Infof("serving debug endpoint on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Errorf("debug endpoint failed")
		}
	}()

	<-ctx.Done()
	logrus.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

