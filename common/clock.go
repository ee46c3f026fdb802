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

import "time"

// Clock gives the current wall-clock time in milliseconds.
// It is an interface so that tests can drive time explicitly.
type Clock interface {
	NowMillis() uint64
}

type systemClock struct {
}

func SystemClock() Clock {
	return systemClock{}
}

func (c systemClock) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
