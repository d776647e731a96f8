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

package etcdutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const connectAttempts = 5

// Dial connects to etcd and checks that at least one endpoint answers,
// retrying with backoff.  clientv3.New does not block on connection so
// without the probe a bad endpoint only shows up on first use.
func Dial(ctx context.Context, endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	err = retry.Do(
		func() error {
			probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			_, err := client.Status(probeCtx, endpoints[0])
			return err
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"attempt":   attempt,
				"endpoints": strings.Join(endpoints, ","),
			}).Warn("Failed to reach etcd, retrying")
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("etcd unreachable at %v: %w", endpoints, err)
	}
	return client, nil
}
