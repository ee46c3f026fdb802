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

// Package routes is the `keel routes` command: inspect the shard routing
// table held in a metadata store.
package routes

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/keelkv/keel/metadata"
)

var flags struct {
	file       string
	zookeeper  string
	zkRootPath string
}

var Cmd = &cobra.Command{
	Use:   "routes",
	Short: "List the shard routes of a cluster",
	RunE:  exec,
}

func init() {
	Cmd.Flags().StringVar(&flags.file, "file", "", "Path of a file metadata store")
	Cmd.Flags().StringVar(&flags.zookeeper, "zookeeper", "", "Comma separated ZooKeeper servers")
	Cmd.Flags().StringVar(&flags.zkRootPath, "zookeeper-root", "/keel", "ZooKeeper root path")
}

func exec(*cobra.Command, []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	routes, err := store.ListRoutes()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(routes)
}

func openStore() (metadata.Store, error) {
	switch {
	case flags.file != "":
		return metadata.NewFileStore(flags.file), nil
	case flags.zookeeper != "":
		return metadata.NewZookeeperStore(strings.Split(flags.zookeeper, ","), flags.zkRootPath)
	default:
		return nil, errors.New("keel: either --file or --zookeeper is required")
	}
}
