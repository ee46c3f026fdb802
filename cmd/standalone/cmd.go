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

// Package standalone is the `keel standalone` command: a whole cluster in one
// process, fronted by the HTTP gateway.
package standalone

import (
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/standalone"
)

var Cmd = &cobra.Command{
	Use:   "standalone",
	Short: "Start a standalone cluster",
	Long: `Start several storage nodes, the failover coordinator and an HTTP
gateway inside a single process. Flags can also be set through KEEL_*
environment variables.`,
	Run: exec,
}

func init() {
	Cmd.Flags().Int("nodes", standalone.DefaultNumNodes, "Number of in-process storage nodes")
	Cmd.Flags().Uint32P("shards", "s", standalone.DefaultNumShards, "Number of virtual shards")
	Cmd.Flags().Uint32P("replication-factor", "r", 0, "Replica group size (0 = min(3, nodes))")
	Cmd.Flags().String("data-dir", "", "Directory for persistent storage (empty = in-memory)")
	Cmd.Flags().StringP("bind-address", "b", "localhost:8080", "Bind address for the HTTP gateway")

	viper.SetEnvPrefix("keel")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(Cmd.Flags())
}

type process struct {
	gateway *standalone.Gateway
	cluster *standalone.Cluster
}

func (p *process) Close() error {
	return multierr.Combine(
		p.gateway.Close(),
		p.cluster.Close(),
	)
}

func exec(*cobra.Command, []string) {
	common.RunProcess(func() (io.Closer, error) {
		cluster, err := standalone.NewCluster(standalone.Options{
			NumNodes:          viper.GetInt("nodes"),
			NumShards:         viper.GetUint32("shards"),
			ReplicationFactor: viper.GetUint32("replication-factor"),
			DataDir:           viper.GetString("data-dir"),
		})
		if err != nil {
			return nil, err
		}

		gateway := standalone.NewGateway(cluster, viper.GetString("bind-address"))
		go func() {
			if err := gateway.Start(); err != nil {
				log.Fatal().Err(err).Msg("Gateway failed")
			}
		}()

		return &process{gateway: gateway, cluster: cluster}, nil
	})
}
