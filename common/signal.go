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
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// WaitUntilSignal blocks until SIGINT or SIGTERM, then closes every closer in
// order and exits.
func WaitUntilSignal(closers ...io.Closer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	log.Info().
		Str("signal", sig.String()).
		Msg("Received signal, exiting")

	var err error
	for _, closer := range closers {
		err = multierr.Append(err, closer.Close())
	}
	if err != nil {
		log.Error().Err(err).
			Msg("Failed when shutting down")
		os.Exit(1)
	}

	log.Info().Msg("Shutdown completed")
	os.Exit(0)
}
