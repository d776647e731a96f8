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
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/model"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/policysource"
	"github.com/opendaylight/groupbasedpolicy-sub002/pkg/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the policy resolved from a world file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		w, err := policysource.LoadFile(file)
		if err != nil {
			return err
		}
		rp, err := resolver.Resolve(w.Tenants)
		if err != nil {
			// Invalid tenants are left out; print what resolved.
			log.WithError(err).Warn("Some tenants were rejected")
		}
		printResolvedPolicy(cmd.OutOrStdout(), rp)
		return nil
	},
}

func init() {
	resolveCmd.Flags().String("file", "", "YAML world file")
	_ = resolveCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(resolveCmd)
}

func printResolvedPolicy(out io.Writer, rp *model.ResolvedPolicy) {
	table := tablewriter.NewWriter(out)
	table.SetCaption(true, fmt.Sprintf("%d pairs, %d cells.", len(rp.Pairs()), rp.NumCells()))
	table.SetHeader([]string{"CONSUMER", "PROVIDER", "CONSUMER CONSTRAINT", "PROVIDER CONSTRAINT", "RULE GROUPS", "RULES"})
	table.SetAutoWrapText(false)

	var rows [][]string
	for _, pair := range rp.Pairs() {
		pol := rp.Policies[pair]
		for _, cell := range pol.Cells {
			var groups, rules []string
			for _, rg := range cell.RuleGroups {
				groups = append(groups, rg.String())
				for _, r := range rg.Rules {
					rules = append(rules, string(r.Name))
				}
			}
			rows = append(rows, []string{
				pair.Consumer.String(),
				pair.Provider.String(),
				cell.Consumer.String(),
				cell.Provider.String(),
				strings.Join(groups, " "),
				strings.Join(rules, " "),
			})
		}
	}
	table.AppendBulk(rows)
	table.SetAutoMergeCellsByColumnIndex([]int{0, 1})
	table.Render()
}
