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

package commands

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/etcdutil"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/config"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/policysource"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Write the contents of a world file to etcd",
	Long: `Write the tenants, endpoints and switches of a world file to etcd, where
a renderer running without a policy file picks them up.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		applyRunFlags(cmd.Flags(), cfg)
		file, _ := cmd.Flags().GetString("file")
		w, err := policysource.LoadFile(file)
		if err != nil {
			return err
		}

		client, err := etcdutil.Dial(cmd.Context(), cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := policysource.Publish(cmd.Context(), client, cfg.EtcdPrefix, w); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"tenants":   len(w.Tenants),
			"endpoints": len(w.Endpoints),
			"switches":  len(w.Switches),
		}).Info("Published world file")
		fmt.Fprintf(cmd.OutOrStdout(), "Published %d tenants, %d endpoints and %d switches.\n",
			len(w.Tenants), len(w.Endpoints), len(w.Switches))
		return nil
	},
}

func init() {
	publishCmd.Flags().String("file", "", "YAML world file")
	publishCmd.Flags().StringSlice("etcd-endpoints", nil, "etcd endpoints")
	publishCmd.Flags().String("etcd-prefix", "", "Key prefix in etcd")
	_ = publishCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(publishCmd)
}
