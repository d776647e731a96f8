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

package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	delay    = 100 * time.Millisecond
	maxDelay = 250 * time.Millisecond
)

var _ = Describe("Debouncer", func() {
	var (
		fc      *testingclock.FakeClock
		d       *Debouncer
		runs    atomic.Int32
		release chan struct{}
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		fc = testingclock.NewFakeClock(time.Now())
		runs.Store(0)
		release = nil
		d = NewDebouncer(delay, maxDelay, func(ctx context.Context) {
			runs.Add(1)
			if release != nil {
				<-release
			}
		}, WithClock(fc))
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		d.Start(ctx)
	})

	AfterEach(func() {
		if release != nil {
			select {
			case <-release:
			default:
				close(release)
			}
		}
		cancel()
	})

	// trigger sends one trigger and waits for the loop to arm its timer.
	trigger := func() {
		before := d.schedules.Load()
		d.Trigger()
		EventuallyWithOffset(1, d.schedules.Load).Should(Equal(before + 1))
	}

	It("should coalesce a burst into one run", func() {
		for i := 0; i < 10; i++ {
			trigger()
		}
		fc.Step(delay - time.Millisecond)
		Consistently(runs.Load, "50ms", "5ms").Should(BeZero())
		fc.Step(time.Millisecond)
		Eventually(runs.Load).Should(Equal(int32(1)))
		Consistently(runs.Load, "50ms", "5ms").Should(Equal(int32(1)))
		Expect(fc.HasWaiters()).To(BeFalse())
	})

	It("should reset the delay on each trigger", func() {
		trigger()
		fc.Step(delay / 2)
		trigger()
		fc.Step(delay / 2)
		Consistently(runs.Load, "50ms", "5ms").Should(BeZero())
		fc.Step(delay / 2)
		Eventually(runs.Load).Should(Equal(int32(1)))
	})

	It("should bound a continuous stream by the max delay", func() {
		trigger()
		for i := 0; i < 3; i++ {
			fc.Step(80 * time.Millisecond)
			trigger()
		}
		Consistently(runs.Load, "50ms", "5ms").Should(BeZero())
		fc.Step(10 * time.Millisecond)
		Eventually(runs.Load).Should(Equal(int32(1)))
	})

	It("should not cancel a running pass and should run again afterwards", func() {
		release = make(chan struct{})
		trigger()
		fc.Step(delay)
		Eventually(runs.Load).Should(Equal(int32(1)))

		// Arrives mid-run: buffered until the callback returns.
		d.Trigger()
		Consistently(d.schedules.Load, "50ms", "5ms").Should(Equal(int64(1)))
		close(release)
		Eventually(d.schedules.Load).Should(Equal(int64(2)))
		fc.Step(delay)
		Eventually(runs.Load).Should(Equal(int32(2)))
	})
})
