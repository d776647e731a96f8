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
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/devicestore"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/flows"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/inventory"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/pipeline"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/policysource"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/reconciler"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/renderer"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the flows and groups compiled from a world file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		offset, _ := cmd.Flags().GetInt("table-offset")
		w, err := policysource.LoadFile(file)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("table-offset") && w.Config.TableOffset != nil {
			offset = *w.Config.TableOffset
		}
		fm, err := renderWorld(cmd.Context(), w, offset)
		if err != nil {
			return err
		}
		printFlowMap(cmd.OutOrStdout(), fm)
		return nil
	},
}

func init() {
	renderCmd.Flags().String("file", "", "YAML world file")
	renderCmd.Flags().Int("table-offset", 0, "Offset added to every pipeline table id")
	_ = renderCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(renderCmd)
}

// renderWorld compiles the pipeline once for w.  Stage failures are logged
// and their contributions left out.
func renderWorld(ctx context.Context, w *policysource.World, offset int) (*flows.FlowMap, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sink := &policysource.InventorySink{
		Tenants:   resolver.NewTenantCache(),
		Endpoints: inventory.NewEndpointIndex(),
		Switches:  inventory.NewSwitchInventory(),
	}
	sink.OnTenants(w.Tenants)
	sink.OnEndpoints(w.Endpoints)
	sink.OnSwitches(w.Switches)

	r, err := renderer.New(renderer.Config{TableOffset: offset, DebounceDelay: time.Second},
		pipeline.New(), sink.Tenants, sink.Endpoints, sink.Switches,
		reconciler.New(devicestore.NewMemoryStore(), 1, time.Second))
	if err != nil {
		return nil, err
	}
	fm, stageErrs, err := r.Render(ctx)
	if err != nil {
		return nil, err
	}
	for _, se := range stageErrs {
		log.WithError(se).Warn("Stage failed")
	}
	return fm, nil
}

func printFlowMap(out io.Writer, fm *flows.FlowMap) {
	for _, sw := range fm.Switches() {
		fmt.Fprintf(out, "switch %s:\n", sw)
		for _, tk := range fm.TableKeys() {
			if tk.Switch != sw {
				continue
			}
			for _, f := range fm.SortedFlows(tk) {
				fmt.Fprintf(out, "  %s\n", f.Render())
			}
		}
		groups := fm.Groups(sw)
		ids := make([]uint32, 0, len(groups))
		for id := range groups {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "  %s\n", groups[id].Render())
		}
	}
}
