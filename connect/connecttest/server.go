// Package connecttest runs an in-process fake of the Kafka Connect REST API
// for tests: an in-memory connector registry behind the real routes, with
// counters for mutating calls and hooks to script failures.
package connecttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/higorrsc/connectctl/logging"
)

type Server struct {
	// URL is the base address of the fake cluster's REST API.
	URL string

	httpServer *http.Server
	listener   net.Listener
	group      *errgroup.Group
	log        *slog.Logger

	mu                sync.Mutex
	configs           map[string]map[string]string
	order             []string
	states            map[string]string
	rejects           map[string]string
	deleteRejects     map[string]string
	failRemaining     int
	conflictRemaining int
	createCalls       int
	updateCalls       int
	deleteCalls       int
}

// Run starts the fake cluster on a random port without blocking. The
// returned stop func shuts the server down and waits for it to exit.
func Run() (*Server, func()) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	svr := &Server{
		URL:           "http://" + listener.Addr().String(),
		listener:      listener,
		log:           slog.With("scope", "fake-connect"),
		configs:       make(map[string]map[string]string),
		states:        make(map[string]string),
		rejects:       make(map[string]string),
		deleteRejects: make(map[string]string),
	}
	svr.httpServer = &http.Server{Handler: logging.NewHTTPHandler(svr.router(), svr.log)}

	g := &errgroup.Group{}
	g.Go(func() error {
		if err := svr.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	svr.group = g

	return svr, func() {
		if err := svr.httpServer.Shutdown(context.Background()); err != nil {
			panic(err)
		}
		if err := g.Wait(); err != nil {
			panic(err)
		}
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.outage)

	r.Get("/", s.getRoot)
	r.Get("/connectors", s.listConnectors)
	r.Post("/connectors", s.createConnector)
	r.Get("/connectors/{name}/config", s.getConnectorConfig)
	r.Put("/connectors/{name}/config", s.putConnectorConfig)
	r.Get("/connectors/{name}/status", s.getConnectorStatus)
	r.Delete("/connectors/{name}", s.deleteConnector)

	return r
}

// outage answers 503 while a scripted failure window is open, and 409 while
// a scripted rebalance window is open.
func (s *Server) outage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		failing := s.failRemaining > 0
		if failing {
			s.failRemaining--
		}
		rebalancing := !failing && s.conflictRemaining > 0
		if rebalancing {
			s.conflictRemaining--
		}
		s.mu.Unlock()

		if failing {
			writeError(w, http.StatusServiceUnavailable, "herder not available")
			return
		}
		if rebalancing {
			writeError(w, http.StatusConflict, "Cannot complete request momentarily due to stale configuration (typically caused by a concurrent config change)")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":          "3.7.1",
		"commit":           "fa9bc1cf1e5e48df",
		"kafka_cluster_id": "test-cluster",
	})
}

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, names)
}

func (s *Server) createConnector(w http.ResponseWriter, r *http.Request) {
	var spec struct {
		Name   string            `json:"name"`
		Config map[string]string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++

	if msg, isRejected := s.rejects[spec.Name]; isRejected {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if _, exists := s.configs[spec.Name]; exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("Connector %s already exists", spec.Name))
		return
	}

	s.configs[spec.Name] = maps.Clone(spec.Config)
	s.order = append(s.order, spec.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"name":   spec.Name,
		"config": spec.Config,
		"tasks":  []any{},
	})
}

func (s *Server) getConnectorConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	config, exists := s.configs[name]
	s.mu.Unlock()

	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Connector %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) putConnectorConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var config map[string]string
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++

	if msg, isRejected := s.rejects[name]; isRejected {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	// PUT config creates the connector when it doesn't exist yet, like the
	// real API.
	status := http.StatusOK
	if _, exists := s.configs[name]; !exists {
		s.order = append(s.order, name)
		status = http.StatusCreated
	}
	s.configs[name] = maps.Clone(config)
	writeJSON(w, status, map[string]any{
		"name":   name,
		"config": config,
		"tasks":  []any{},
	})
}

func (s *Server) getConnectorStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	_, exists := s.configs[name]
	connState := s.states[name]
	s.mu.Unlock()

	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Connector %s not found", name))
		return
	}
	if connState == "" {
		connState = "RUNNING"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name": name,
		"connector": map[string]any{
			"state":     connState,
			"worker_id": s.listener.Addr().String(),
		},
		"tasks": []map[string]any{{
			"id":        0,
			"state":     connState,
			"worker_id": s.listener.Addr().String(),
		}},
	})
}

func (s *Server) deleteConnector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++

	if msg, isRejected := s.deleteRejects[name]; isRejected {
		writeError(w, http.StatusForbidden, msg)
		return
	}
	if _, exists := s.configs[name]; !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Connector %s not found", name))
		return
	}
	delete(s.configs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reject scripts the cluster to answer 400 with message for any create or
// update of the named connector.
func (s *Server) Reject(name, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[name] = message
}

// RejectDelete scripts the cluster to answer 403 with message for any delete
// of the named connector, leaving it registered.
func (s *Server) RejectDelete(name, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRejects[name] = message
}

// FailNext scripts the next n requests, of any kind, to answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
}

// ConflictNext scripts the next n requests, of any kind, to answer 409 as the
// real cluster does while a rebalance is in flight.
func (s *Server) ConflictNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictRemaining = n
}

// SetConnectorState overrides the state reported by the status resource.
func (s *Server) SetConnectorState(name, connState string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = connState
}

// Register seeds a connector without counting a mutating call, for arranging
// pre-existing cluster state in tests.
func (s *Server) Register(name string, config map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[name]; !exists {
		s.order = append(s.order, name)
	}
	s.configs[name] = maps.Clone(config)
}

// Connectors returns the currently registered connector names.
func (s *Server) Connectors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Config returns the live config of a registered connector.
func (s *Server) Config(name string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.configs[name])
}

// MutationCount is the total number of create, update and delete calls
// received, including rejected ones.
func (s *Server) MutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls + s.updateCalls + s.deleteCalls
}

func (s *Server) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

func (s *Server) UpdateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls
}

func (s *Server) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error_code": status,
		"message":    message,
	})
}
