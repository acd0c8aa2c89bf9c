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

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/metrics"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/sirupsen/logrus"
)

// Controller is what the monitor needs from *nvme.Controller.
type Controller interface {
	ID() string
	Init(ctx context.Context) error
	State() nvme.State
	Status() nvme.Status
	RefreshHealth(ctx context.Context) (*nvme.HealthInfo, error)
	Temperature() float64
	InFlight() uint16
}

type Config struct {
	// PollInterval is the time between SMART / health reads.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
	// ReinitInterval is the time between bring-up attempts of a controller that
	// is not operational. Zero leaves a failed controller alone.
	ReinitInterval time.Duration `yaml:"reinitInterval,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Second,
		ReinitInterval: 0,
	}
}

func (c *Config) IsValid() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("monitor.pollInterval must be positive, provided: %s", c.PollInterval)
	}
	if c.ReinitInterval < 0 {
		return fmt.Errorf("monitor.reinitInterval must not be negative, provided: %s", c.ReinitInterval)
	}
	return nil
}

type Service interface {
	Start() error
	Stop() error
	SetPollInterval(d time.Duration)
	Health() *nvme.HealthInfo
}

type service struct {
	ctrl       Controller
	cfg        Config
	ctx        context.Context
	cancel     context.CancelFunc
	log        *logrus.Entry
	wg         *sync.WaitGroup
	intervalCh chan time.Duration

	mu         sync.Mutex
	health     *nvme.HealthInfo
	lastReinit time.Time
}

func NewService(ctx context.Context, ctrl Controller, cfg Config) Service {
	s := &service{
		ctrl:       ctrl,
		cfg:        cfg,
		log:        logrus.WithFields(logrus.Fields{"ctrl": ctrl.ID(), "component": "monitor"}),
		wg:         &sync.WaitGroup{},
		intervalCh: make(chan time.Duration, 1),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Start polls the controller health until Stop. A controller that is not
// operational is brought up first when re-initialization is enabled.
func (s *service) Start() error {
	if err := s.cfg.IsValid(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		s.poll()
		for {
			select {
			case <-ticker.C:
				s.poll()
			case d := <-s.intervalCh:
				s.log.Infof("health poll interval changed to %s", d)
				ticker.Reset(d)
			case <-s.ctx.Done():
				s.log.Infof("exiting the monitor loop, ctx done")
				return
			}
		}
	}()
	return nil
}

func (s *service) poll() {
	if s.ctrl.State() != nvme.StateOperational {
		s.reinit()
		s.publish()
		return
	}
	health, err := s.ctrl.RefreshHealth(s.ctx)
	if err != nil {
		s.log.WithError(err).Warnf("failed to read SMART / health log")
		s.publish()
		return
	}
	s.mu.Lock()
	s.health = health
	s.mu.Unlock()
	if health.CriticalWarning != 0 {
		s.log.Warnf("critical warning %#x, spare %d%%, %d%% used", health.CriticalWarning, health.AvailableSpare, health.PercentageUsed)
	}
	s.log.Debugf("temperature %.2fC (filtered %.2fC)", health.Temperature, s.ctrl.Temperature())
	s.publish()
}

func (s *service) reinit() {
	if s.cfg.ReinitInterval == 0 {
		s.log.Debugf("controller %s (%s), re-initialization disabled", s.ctrl.State(), s.ctrl.Status())
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastReinit) >= s.cfg.ReinitInterval
	if due {
		s.lastReinit = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if err := s.ctrl.Init(s.ctx); err != nil {
		s.log.WithError(err).Errorf("re-initialization failed, next attempt in %s", s.cfg.ReinitInterval)
		return
	}
	s.log.Infof("controller re-initialized")
}

func (s *service) publish() {
	id := s.ctrl.ID()
	metrics.Metrics.ControllerState.WithLabelValues(id).Set(float64(s.ctrl.State()))
	metrics.Metrics.InitStatus.WithLabelValues(id).Set(float64(s.ctrl.Status()))
	metrics.Metrics.InFlightCommands.WithLabelValues(id).Set(float64(s.ctrl.InFlight()))
}

// SetPollInterval takes effect on the next tick. Non positive values are ignored.
func (s *service) SetPollInterval(d time.Duration) {
	if d <= 0 {
		s.log.Warnf("ignoring poll interval %s", d)
		return
	}
	select {
	case s.intervalCh <- d:
	default:
		// replace a pending change
		select {
		case <-s.intervalCh:
		default:
		}
		s.intervalCh <- d
	}
}

// Health returns the last SMART / health snapshot read by the monitor.
func (s *service) Health() *nvme.HealthInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *service) Stop() error {
	s.cancel()
	s.log.Debug("Waiting for the monitor loop to return")
	s.wg.Wait()
	s.log.Debug("Finished stopping monitor")
	return nil
}
