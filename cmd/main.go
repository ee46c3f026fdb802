// Copyright 2026 The Keel Authors
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
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/keelkv/keel/cmd/id"
	"github.com/keelkv/keel/cmd/routes"
	"github.com/keelkv/keel/cmd/standalone"
	"github.com/keelkv/keel/common"
)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Sharded key-value storage with location-encoded identifiers",
	PersistentPreRun: func(*cobra.Command, []string) {
		common.ConfigureLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&common.LogDebug, "log-debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().BoolVarP(&common.LogJson, "log-json", "j", false, "Print logs in JSON format")
	rootCmd.PersistentFlags().BoolVar(&common.PprofEnable, "profile", false, "Enable pprof profiler")
	rootCmd.PersistentFlags().StringVar(&common.PprofBindAddress, "profile-bind-address", "127.0.0.1:6060", "Bind address for pprof")

	rootCmd.AddCommand(id.Cmd)
	rootCmd.AddCommand(routes.Cmd)
	rootCmd.AddCommand(standalone.Cmd)
}

func main() {
	common.DoWithLabels(map[string]string{
		"keel": "main",
	}, func() {
		if _, err := maxprocs.Set(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := rootCmd.Execute(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	})
}
