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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics a collection of metrics our application will expose
type AppMetrics struct {
	// ControllerState shows the lifecycle state the controller reached.
	ControllerState *prometheus.GaugeVec
	// InitStatus shows the initialization status bitmask, 0 when operational.
	InitStatus *prometheus.GaugeVec
	// InitAttemptsTotal counts initialization attempts per result.
	InitAttemptsTotal *prometheus.CounterVec

	// CommandsSubmittedTotal counts commands written to a submission queue.
	CommandsSubmittedTotal *prometheus.CounterVec
	// CompletionsTotal counts completion entries reclaimed from a completion queue.
	CompletionsTotal *prometheus.CounterVec
	// CompletionErrorsTotal counts reclaimed completions carrying a non zero status.
	CompletionErrorsTotal *prometheus.CounterVec
	// InFlightCommands shows submitted I/O commands whose completion was not reclaimed yet.
	InFlightCommands *prometheus.GaugeVec
	// BytesTransferredTotal counts bytes handed to read and write commands.
	BytesTransferredTotal *prometheus.CounterVec

	// TemperatureCelsius shows the filtered composite temperature.
	TemperatureCelsius *prometheus.GaugeVec

	// AdminCommandDurationSeconds time from admin submission to its completion.
	AdminCommandDurationSeconds *prometheus.HistogramVec
	// DrainBatchSize number of completions reclaimed per non empty drain.
	DrainBatchSize *prometheus.HistogramVec
}

var Metrics AppMetrics

func init() {
	Metrics.ControllerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvme_controller_state",
			Help: "Lifecycle state of the controller (0 uninit .. 6 operational, 7 failed).",
		},
		[]string{"id"},
	)
	Metrics.InitStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvme_init_status",
			Help: "Initialization status bitmask, 0 when the controller is operational.",
		},
		[]string{"id"},
	)
	Metrics.InitAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_init_attempts_total",
			Help: "Number of initialization attempts per result.",
		},
		[]string{"id", "result"},
	)
	Metrics.CommandsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_commands_submitted_total",
			Help: "Number of commands submitted per queue and opcode.",
		},
		[]string{"id", "queue", "opcode"},
	)
	Metrics.CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_completions_total",
			Help: "Number of completion entries reclaimed per queue.",
		},
		[]string{"id", "queue"},
	)
	Metrics.CompletionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_completion_errors_total",
			Help: "Number of reclaimed completions with a non zero status per queue.",
		},
		[]string{"id", "queue"},
	)
	Metrics.InFlightCommands = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvme_inflight_commands",
			Help: "Number of I/O commands submitted and not yet reclaimed.",
		},
		[]string{"id"},
	)
	Metrics.BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvme_bytes_transferred_total",
			Help: "Number of bytes submitted per direction.",
		},
		[]string{"id", "direction"},
	)
	Metrics.TemperatureCelsius = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvme_temperature_celsius",
			Help: "Filtered composite temperature in degrees Celsius.",
		},
		[]string{"id"},
	)
	Metrics.AdminCommandDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nvme",
			Name:      "admin_command_duration_seconds",
			Help:      "Time it took an admin command to complete.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"id", "opcode"},
	)
	Metrics.DrainBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nvme",
			Name:      "drain_batch_size",
			Help:      "Number of completions reclaimed by one drain that found work.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 7),
		},
		[]string{"id"},
	)

	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(Metrics.ControllerState)
	prometheus.MustRegister(Metrics.InitStatus)
	prometheus.MustRegister(Metrics.InitAttemptsTotal)

	prometheus.MustRegister(Metrics.CommandsSubmittedTotal)
	prometheus.MustRegister(Metrics.CompletionsTotal)
	prometheus.MustRegister(Metrics.CompletionErrorsTotal)
	prometheus.MustRegister(Metrics.InFlightCommands)
	prometheus.MustRegister(Metrics.BytesTransferredTotal)
	prometheus.MustRegister(Metrics.TemperatureCelsius)

	prometheus.MustRegister(Metrics.AdminCommandDurationSeconds)
	prometheus.MustRegister(Metrics.DrainBatchSize)
}
