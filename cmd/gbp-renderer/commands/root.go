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
	"os"

	"github.com/spf13/cobra"

	"github.com/opendaylight/groupbasedpolicy-sub002/lib/logutils"
)

// VERSION is filled out during the build process (using git describe output)
var VERSION string

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "gbp-renderer",
	Short:   "Compiles group-based policy into device flow tables",
	Version: VERSION,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("log-level") {
			logutils.ConfigureLogging(logLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	logutils.ConfigureLogging("warning")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "Log level (overrides GBP_LOG_LEVEL for run)")
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
