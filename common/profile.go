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

package common

import (
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/rs/zerolog/log"
)

var (
	// PprofEnable Used for flags
	PprofEnable bool
	// PprofBindAddress Used for flags
	PprofBindAddress string
)

func RunProfiling() io.Closer {
	s := &http.Server{
		Addr:    PprofBindAddress,
		Handler: http.DefaultServeMux,
	}

	if !PprofEnable {
		// Do not start pprof server
		return s
	}

	log.Info().Str("address", s.Addr).Msg("Starting pprof server")

	go DoWithLabels(map[string]string{"keel": "pprof"}, func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).
				Str("component", "pprof").
				Msg("Unable to start debug profiling server")
		}
	})

	return s
}
