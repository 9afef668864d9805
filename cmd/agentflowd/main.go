// Copyright 2025 Tom Barlow
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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds agentflowd's command tree: serve (the long-running
// daemon process, the only command that matters for this module's scope)
// plus the usual version command cobra-based CLIs carry.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentflowd",
		Short: "agentflowd runs AgentFlow workflow runner processes",
		Long: `agentflowd is the process entrypoint for the AgentFlow workflow
execution engine: it wires a persistence backend, the iteration engine,
and a RegistryRunner together and serves an
optional HTTP status/metrics endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "agentflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
