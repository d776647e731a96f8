// Copyright (c) 2026 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs the convergence pass as a debounced singleton.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var (
	countTriggers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_scheduler_triggers_total",
		Help: "Number of convergence triggers received.",
	})
	countCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_scheduler_triggers_coalesced_total",
		Help: "Number of triggers folded into an already scheduled pass.",
	})
	countRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbp_scheduler_runs_total",
		Help: "Number of scheduled passes executed.",
	})
)

func init() {
	prometheus.MustRegister(countTriggers, countCoalesced, countRuns)
}

// Debouncer runs a callback a short delay after the most recent trigger.
// Triggers that arrive while a run is scheduled reset the delay instead of
// scheduling another run, so a burst yields one run.  MaxDelay bounds how long
// a continuous stream of triggers can postpone a run.
//
// The callback runs on the debouncer's goroutine, so runs never overlap.  A
// trigger that arrives while the callback is running schedules a further run
// once it returns; the running callback is not cancelled.
type Debouncer struct {
	delay    time.Duration
	maxDelay time.Duration
	callback func(ctx context.Context)
	triggerC chan struct{}
	clock    clock.Clock

	// Number of times the timer has been (re)armed.
	schedules atomic.Int64
}

type Option func(*Debouncer)

func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

func NewDebouncer(delay, maxDelay time.Duration, f func(ctx context.Context), opts ...Option) *Debouncer {
	if maxDelay < delay {
		maxDelay = delay
	}
	d := &Debouncer{
		delay:    delay,
		maxDelay: maxDelay,
		callback: f,
		triggerC: make(chan struct{}, 1),
		clock:    clock.RealClock{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Debouncer) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Trigger requests a run.  It never blocks.
func (d *Debouncer) Trigger() {
	countTriggers.Inc()
	select {
	case d.triggerC <- struct{}{}:
	default:
		countCoalesced.Inc()
		log.Debug("Already triggered")
	}
}

func (d *Debouncer) loop(ctx context.Context) {
	log.WithFields(log.Fields{"delay": d.delay, "maxDelay": d.maxDelay}).Info("Debounced runner started")
	var (
		timer        clock.Timer
		timerC       <-chan time.Time
		firstTrigger time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = nil
		timerC = nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			log.Info("Context finished, debounced runner stopping")
			return
		case <-d.triggerC:
			now := d.clock.Now()
			wait := d.delay
			if timerC == nil {
				firstTrigger = now
				log.WithField("delay", wait).Debug("Scheduling run")
			} else {
				countCoalesced.Inc()
				remaining := d.maxDelay - now.Sub(firstTrigger)
				if remaining < wait {
					wait = max(remaining, 0)
				}
				log.WithField("delay", wait).Debug("Rescheduling run")
			}
			stopTimer()
			timer = d.clock.NewTimer(wait)
			timerC = timer.C()
			d.schedules.Add(1)
		case <-timerC:
			timer = nil
			timerC = nil
			log.Debug("Debounce timer popped, running")
			countRuns.Inc()
			d.callback(ctx)
		}
	}
}
