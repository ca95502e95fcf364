package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer exposes read-only introspection routes over the node's
// live state (connections, entities, stats) for operators and test
// harnesses, grounded on the teacher's walletserver route-registration
// pattern adapted from chi/mux wallet/API endpoints to a debug surface
// with no mutating routes (SPEC_FULL.md ambient stack: no metrics
// exporter, just introspection).
type AdminServer struct {
	router *chi.Mux
	node   *Node
}

// NewAdminServer builds the chi router for a node's admin surface.
func NewAdminServer(node *Node) *AdminServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	a := &AdminServer{router: r, node: node}

	r.Get("/healthz", a.handleHealth)
	r.Get("/connections", a.handleConnections)
	r.Get("/entities", a.handleEntities)
	r.Get("/stats", a.handleStats)
	return a
}

// Handler returns the http.Handler serving the admin routes.
func (a *AdminServer) Handler() http.Handler { return a.router }

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (a *AdminServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.node.conns.All()
	out := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		out = append(out, map[string]any{
			"conn_id":    c.ID,
			"peer_id":    c.PeerID,
			"state":      c.State().String(),
			"session_id": c.SessionID,
		})
	}
	writeJSON(w, out)
}

func (a *AdminServer) handleEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.node.store.Entities())
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.node.metrics.All(a.node.conns))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.Encode(v)
}
