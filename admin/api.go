// Package admin implements the stack's operator-facing HTTP API
// (SPEC_FULL.md §4.11): status, remote inspection, disconnect, and the
// restricted/key-sharing mode switch. Grounded directly on the teacher's
// service/rpc.go StartRPC/Router pattern (gorilla/mux router, graceful
// shutdown via context), generalized from its process-wide singleton
// Router to a value the caller owns per Stack instance.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"

	"pstack/stack"
)

// API serves an operator-facing view of one Stack over HTTP.
type API struct {
	s      *stack.Stack
	router *mux.Router
	srv    *http.Server
}

// New builds the router for s; call Start to bind and serve.
func New(s *stack.Stack) *API {
	a := &API{s: s, router: mux.NewRouter()}
	a.router.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	a.router.HandleFunc("/remotes", a.handleRemotes).Methods(http.MethodGet)
	a.router.HandleFunc("/remotes/{name}/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	a.router.HandleFunc("/restricted", a.handleSetRestricted).Methods(http.MethodPost)
	return a
}

// Start runs the API server on addr until ctx is cancelled, the same
// listen-in-background/shutdown-on-ctx-done shape as the teacher's
// StartRPC.
func (a *API) Start(ctx context.Context, addr string) {
	a.srv = &http.Server{
		Handler:      a.router,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[admin] server listen failed: %s\n", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		if err := a.srv.Shutdown(context.Background()); err != nil {
			logger.Printf(logger.WARN, "[admin] server shutdown failed: %s\n", err.Error())
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf(logger.WARN, "[admin] failed to encode response: %v\n", err)
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"restricted":          a.s.IsRestricted(),
		"peersWithoutRemotes": a.s.PeersWithoutRemotes(),
	})
}

func (a *API) handleRemotes(w http.ResponseWriter, r *http.Request) {
	// Stack does not expose a bulk listing (its table is exclusively
	// owned, per spec.md §5); the operator view is limited to presence
	// and liveness checks per name instead.
	names := r.URL.Query()["name"]
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = map[string]bool{
			"known":     a.s.HasRemote(name),
			"connected": a.s.IsConnectedTo(name),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	remote := a.s.DisconnectByName(name)
	if remote == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown remote"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "disconnected"})
}

func (a *API) handleSetRestricted(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Restricted bool `json:"restricted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.s.SetRestricted(body.Restricted); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restricted": body.Restricted})
}
