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

package standalone

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/common/metrics"
	"github.com/keelkv/keel/hlc"
	"github.com/keelkv/keel/ident"
	"github.com/keelkv/keel/server/kv"
)

// Gateway exposes the standalone cluster over HTTP: record put/get, the
// routing table and Prometheus metrics.
type Gateway struct {
	cluster *Cluster
	server  *http.Server
	log     zerolog.Logger
}

type putRecordRequest struct {
	TypeTag       uint16 `json:"typeTag"`
	ColocationKey string `json:"colocationKey"`
	Value         string `json:"value"`
	Token         string `json:"token,omitempty"`
}

type putRecordResponse struct {
	ID        string        `json:"id"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

type getRecordResponse struct {
	ID        string        `json:"id"`
	Value     string        `json:"value"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

func NewGateway(cluster *Cluster, addr string) *Gateway {
	g := &Gateway{
		cluster: cluster,
		log: log.With().
			Str("component", "gateway").
			Str("addr", addr).
			Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Put("/records", g.handlePut)
	r.Get("/records/{id}", g.handleGet)
	r.Get("/routes", g.handleRoutes)
	r.Handle("/metrics", metrics.PrometheusHandler())

	g.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Start serves until Close. It returns the terminal error of the listener,
// http.ErrServerClosed excluded.
func (g *Gateway) Start() error {
	g.log.Info().Msg("Gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, ts, err := g.cluster.Client().Put(r.Context(), req.TypeTag, req.ColocationKey,
		[]byte(req.Value), req.Token)
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}
	g.writeJSON(w, http.StatusOK, putRecordResponse{ID: id.String(), Timestamp: ts})
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := ident.Parse(chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	value, ts, err := g.cluster.Client().Get(r.Context(), id)
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}
	g.writeJSON(w, http.StatusOK, getRecordResponse{ID: id.String(), Value: string(value), Timestamp: ts})
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := g.cluster.store.ListRoutes()
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}
	g.writeJSON(w, http.StatusOK, routes)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrReplicationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.log.Err(err).Msg("Failed to write response")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	g.writeJSON(w, status, map[string]string{"error": err.Error()})
}
