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

	"github.com/rs/zerolog/log"
)

// RunProcess starts the process body and blocks until a termination signal,
// closing everything the body handed back.
func RunProcess(startProcess func() (io.Closer, error)) {
	process, err := startProcess()
	if err != nil {
		log.Fatal().Err(err).
			Msg("Failed to start the process")
	}

	profiler := RunProfiling()

	WaitUntilSignal(
		process,
		profiler,
	)
}
