// Package httpapi exposes the console's REST and websocket surface: instance
// lifecycle operations, delegation management, the settlement audit
// interface, and the live event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Ephemera-Network/rollup_console/internal/broker"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/ingest"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/lifecycle"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/internal/registry"
	"github.com/Ephemera-Network/rollup_console/internal/settlement"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

// Server bundles the HTTP endpoints over the pipeline components.
type Server struct {
	machine     *lifecycle.Machine
	registry    *registry.Registry
	ledger      *ledger.Ledger
	coordinator *settlement.Coordinator
	broker      *broker.Broker
	gateway     *ingest.Gateway
	instances   storage.InstanceStore
	batches     storage.BatchStore
	metrics     *metrics.Collector
	log         zerolog.Logger
}

// New creates the API server. metrics may be nil, which disables /metrics.
func New(machine *lifecycle.Machine, reg *registry.Registry, lg *ledger.Ledger, coordinator *settlement.Coordinator, b *broker.Broker, gateway *ingest.Gateway, instances storage.InstanceStore, batches storage.BatchStore, collector *metrics.Collector) *Server {
	return &Server{
		machine:     machine,
		registry:    reg,
		ledger:      lg,
		coordinator: coordinator,
		broker:      b,
		gateway:     gateway,
		instances:   instances,
		batches:     batches,
		metrics:     collector,
		log:         logger.Named("httpapi"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/instances", s.createInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/ready", s.markReady).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/provision-failed", s.markProvisionFailed).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/retry", s.retry).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/teardown", s.teardown).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/settle", s.settle).Methods(http.MethodPost)

	r.HandleFunc("/instances/{id}/delegations", s.delegate).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/delegations", s.listDelegations).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/delegations/{account}", s.release).Methods(http.MethodDelete)

	r.HandleFunc("/instances/{id}/events", s.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/epochs", s.listEpochs).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/batches", s.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", s.getBatch).Methods(http.MethodGet)

	r.HandleFunc("/ws/ingest/{id}", s.wsIngest)
	r.HandleFunc("/ws/subscribe", s.wsSubscribe)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Lifecycle --------------------------------------------------------------

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProjectID    string `json:"project_id"`
		BaseChainRPC string `json:"base_chain_rpc"`
		RollupRPC    string `json:"rollup_rpc"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	inst, err := s.machine.Create(r.Context(), payload.ProjectID, payload.BaseChainRPC, payload.RollupRPC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.instances.ListInstances(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.machine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) markReady(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.machine.MarkReady)
}

func (s *Server) markProvisionFailed(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.machine.MarkProvisionFailed)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.machine.Retry)
}

func (s *Server) teardown(w http.ResponseWriter, r *http.Request) {
	s.applyTransition(w, r, s.machine.RequestTeardown)
}

func (s *Server) applyTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	inst, err := s.machine.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Settlement -------------------------------------------------------------

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	batch, err := s.coordinator.Settle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrNothingToSettle):
			writeJSON(w, http.StatusOK, map[string]bool{"settled": false})
		case errors.Is(err, settlement.ErrSettlementInFlight):
			writeError(w, http.StatusConflict, err)
		default:
			writeDomainError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.batches.ListBatches(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.batches.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// --- Delegations ------------------------------------------------------------

func (s *Server) delegate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountRef string `json:"account_ref"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.registry.Delegate(r.Context(), mux.Vars(r)["id"], payload.AccountRef)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyDelegated) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.registry.Release(r.Context(), vars["id"], vars["account"]); err != nil {
		if errors.Is(err, registry.ErrNotDelegated) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDelegations(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Ledger audit -----------------------------------------------------------

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	fromSeq, _ := strconv.ParseUint(r.URL.Query().Get("from_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	events, err := s.ledger.ListSince(r.Context(), mux.Vars(r)["id"], fromSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.ledger.Epochs(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, epochs)
}

// --- Helpers ----------------------------------------------------------------

func decodeJSON(r io.Reader, dst interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var te instance.TransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
