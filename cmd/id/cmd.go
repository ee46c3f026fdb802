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

// Package id is the `keel id` command: compose and decompose record
// identifiers from the command line.
package id

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelkv/keel/ident"
)

var Cmd = &cobra.Command{
	Use:   "id",
	Short: "Work with record identifiers",
}

var composeFlags struct {
	shard   uint16
	typeTag uint16
	local   uint64
}

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Compose an identifier from its fields",
	RunE: func(*cobra.Command, []string) error {
		id, err := ident.Compose(composeFlags.shard, composeFlags.typeTag, composeFlags.local)
		if err != nil {
			return err
		}
		fmt.Println(id.String())
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <id>",
	Short: "Decompose an identifier into its fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := ident.Parse(args[0])
		if err != nil {
			return err
		}
		shard, typeTag, local, err := ident.Decompose(id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"id":      id.String(),
			"shard":   shard,
			"typeTag": typeTag,
			"local":   local,
		})
	},
}

func init() {
	composeCmd.Flags().Uint16VarP(&composeFlags.shard, "shard", "s", 0, "Shard field")
	composeCmd.Flags().Uint16VarP(&composeFlags.typeTag, "type", "t", 0, "Type tag field")
	composeCmd.Flags().Uint64VarP(&composeFlags.local, "local", "l", 0, "Local id field")

	Cmd.AddCommand(composeCmd)
	Cmd.AddCommand(decodeCmd)
}
