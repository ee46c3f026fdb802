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

package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/fslock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
)

// fileStore keeps the routing table in a local JSON file, using a file lock
// to serialize updates across processes. Suited for single-host deployments
// and integration tests.
type fileStore struct {
	path     string
	fileLock *fslock.Lock
}

type fileContainer struct {
	Routes map[uint16]Route `json:"routes"`
}

func NewFileStore(path string) Store {
	return &fileStore{
		path:     path,
		fileLock: fslock.New(path + ".lock"),
	}
}

func (f *fileStore) Close() error {
	return nil
}

func (f *fileStore) read() (fileContainer, error) {
	fc := fileContainer{Routes: make(map[uint16]Route)}

	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	if len(content) == 0 {
		return fc, nil
	}

	if err = json.Unmarshal(content, &fc); err != nil {
		return fc, errors.Wrap(err, "failed to parse routing table file")
	}
	if fc.Routes == nil {
		fc.Routes = make(map[uint16]Route)
	}
	return fc, nil
}

func (f *fileStore) GetRoute(shard uint16) (Route, error) {
	fc, err := f.read()
	if err != nil {
		return Route{}, err
	}

	route, ok := fc.Routes[shard]
	if !ok {
		return Route{}, errors.Wrapf(common.ErrShardNotFound, "no route for shard %d", shard)
	}
	return route, nil
}

func (f *fileStore) ListRoutes() ([]Route, error) {
	fc, err := f.read()
	if err != nil {
		return nil, err
	}

	routes := make([]Route, 0, len(fc.Routes))
	for _, route := range fc.Routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Shard < routes[j].Shard
	})
	return routes, nil
}

func (f *fileStore) CompareAndSwap(expectedEpoch int64, route Route) error {
	parentDir := filepath.Dir(f.path)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return err
	}

	if err := f.fileLock.Lock(); err != nil {
		return errors.Wrap(err, "failed to acquire file lock on routing table")
	}
	defer func() {
		if err := f.fileLock.Unlock(); err != nil {
			log.Warn().Err(err).
				Msg("Failed to release file lock on routing table")
		}
	}()

	fc, err := f.read()
	if err != nil {
		return err
	}

	stored, exists := fc.Routes[route.Shard]
	if err := validateSwap(stored, exists, expectedEpoch, route); err != nil {
		return err
	}

	fc.Routes[route.Shard] = route
	content, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, content, 0640)
}
