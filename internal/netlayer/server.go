package netlayer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dedis/ipa-helper/internal/herrors"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/xlog"
)

// QueryAPI is served on paths under /query and never requires a client
// certificate (spec.md §4.A "Query API"). Implemented by
// internal/queryproc.Processor.
type QueryAPI interface {
	Create(ctx context.Context, cfg model.QueryConfig) (model.QueryId, error)
	Input(ctx context.Context, qid model.QueryId, body io.Reader) error
	Status(ctx context.Context, qid model.QueryId) (model.State, model.QueryConfig, error)
	Results(ctx context.Context, qid model.QueryId) ([]byte, error)
}

// H2HAPI is served on the same listener but its routes require a valid
// client certificate, and its handlers receive the caller's
// HelperIdentity so they can check it against the query's
// RoleAssignment (spec.md §4.A "H2H API").
type H2HAPI interface {
	// Prepare carries the query config, role assignment, the two PRSS
	// seeds, and the replicated MAC-key share the leader deals this
	// follower (SPEC_FULL.md's PRSS/MAC key-distribution supplement; see
	// internal/prss and internal/validator).
	Prepare(ctx context.Context, from model.HelperIdentity, qid model.QueryId, cfg model.QueryConfig, ra model.RoleAssignment, leftSeed, rightSeed, macKeyShare []byte) error
	Step(ctx context.Context, from model.HelperIdentity, qid model.QueryId, stepPath string, body io.Reader) error
	Complete(ctx context.Context, from model.HelperIdentity, qid model.QueryId) error
}

// Server is the single HTTPS listener spec.md §4.A describes,
// demultiplexing the two API families by URL path. Its listener setup
// mirrors the teacher's TLSListener retry loop and sda.WebSocket's
// pattern of an http.Server bound to an http.ServeMux started in its
// own goroutine.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	query     QueryAPI
	h2h       H2HAPI

	httpServer *http.Server
}

// NewServer builds a Server; call ListenAndServe to start it.
func NewServer(addr string, tlsConfig *tls.Config, query QueryAPI, h2h H2HAPI) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, query: query, h2h: h2h}
}

const maxRetryListen = 10
const waitRetryListen = 100 * time.Millisecond

// ListenAndServe binds the listener (retrying transient bind failures
// the way the teacher's NewTLSListener does) and serves until the
// context is canceled, at which point it drains in-flight requests via
// http.Server.Shutdown (the graceful-shutdown behavior SPEC_FULL.md
// supplements from original_source's axum-based server).
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleCreate)
	mux.HandleFunc("/query/", s.handleQueryPath)

	s.httpServer = &http.Server{
		Addr:      s.addr,
		Handler:   mux,
		TLSConfig: s.tlsConfig,
	}

	var ln net.Listener
	var err error
	for i := 0; i < maxRetryListen; i++ {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
		if err == nil {
			break
		}
		xlog.Lvl3(fmt.Sprintf("netlayer: bind attempt %d failed: %v", i, err))
		time.Sleep(waitRetryListen)
	}
	if ln == nil {
		return fmt.Errorf("netlayer: binding %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		xlog.Lvl1(fmt.Sprintf("netlayer: listening on %s", s.addr))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := model.DecodeQueryConfig(mustReadAll(r.Body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	qid, err := s.query.Create(r.Context(), cfg)
	if err != nil {
		writeErr(w, err)
		return
	}
	b, _ := qid.MarshalBinary()
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

// handleQueryPath dispatches every /query/{id}/... route: input,
// status, results (Query API, no auth) and prepare, step/{path},
// complete (H2H API, mutual TLS required).
func (s *Server) handleQueryPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/query/")
	segs := strings.SplitN(rest, "/", 2)
	if len(segs) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	rawID, action := segs[0], segs[1]
	idBytes, err := decodeQueryIDSegment(rawID)
	if err != nil {
		http.Error(w, "bad query id", http.StatusBadRequest)
		return
	}
	qid, err := model.UnmarshalQueryId(idBytes)
	if err != nil {
		http.Error(w, "bad query id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "input" && r.Method == http.MethodPost:
		s.handleInput(w, r, qid)
	case action == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, qid)
	case action == "status/ws":
		s.statusWebSocketHandler(qid).ServeHTTP(w, r)
	case action == "results" && r.Method == http.MethodGet:
		s.handleResults(w, r, qid)
	case action == "prepare" && r.Method == http.MethodPost:
		s.handlePrepare(w, r, qid)
	case action == "complete" && r.Method == http.MethodPost:
		s.handleComplete(w, r, qid)
	case strings.HasPrefix(action, "step/") && r.Method == http.MethodPost:
		stepPath, err := DecodeStepURL(strings.TrimPrefix(action, "step/"))
		if err != nil {
			http.Error(w, "bad step path", http.StatusBadRequest)
			return
		}
		s.handleStep(w, r, qid, stepPath)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, qid model.QueryId) {
	if err := s.query.Input(r.Context(), qid, r.Body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, qid model.QueryId) {
	state, cfg, err := s.query.Status(r.Context(), qid)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("X-Query-State", state.String())
	w.WriteHeader(http.StatusOK)
	w.Write(cfg.Encode())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request, qid model.QueryId) {
	body, err := s.query.Results(r.Context(), qid)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// requirePeerIdentity extracts the caller's HelperIdentity from the TLS
// handshake, rejecting the request with 401 if no client certificate was
// presented (spec.md §4.A "Requests on H2H must authenticate").
func (s *Server) requirePeerIdentity(w http.ResponseWriter, r *http.Request) (model.HelperIdentity, bool) {
	if r.TLS == nil {
		http.Error(w, "TLS required", http.StatusUnauthorized)
		return "", false
	}
	id, err := IdentityFromConnState(*r.TLS)
	if err != nil {
		http.Error(w, herrors.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request, qid model.QueryId) {
	from, ok := s.requirePeerIdentity(w, r)
	if !ok {
		return
	}
	buf := mustReadAll(r.Body)
	cfg, ra, leftSeed, rightSeed, macKeyShare, err := decodePrepareBody(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.h2h.Prepare(r.Context(), from, qid, cfg, ra, leftSeed, rightSeed, macKeyShare); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, qid model.QueryId) {
	from, ok := s.requirePeerIdentity(w, r)
	if !ok {
		return
	}
	if err := s.h2h.Complete(r.Context(), from, qid); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request, qid model.QueryId, stepPath string) {
	from, ok := s.requirePeerIdentity(w, r)
	if !ok {
		return
	}
	if err := s.h2h.Step(r.Context(), from, qid, stepPath, r.Body); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, herrors.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, herrors.ErrAuthenticationFailed):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, herrors.ErrUnknownQuery):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, herrors.ErrBadState), errors.Is(err, herrors.ErrBadInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func mustReadAll(r io.Reader) []byte {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return b
}

func decodeQueryIDSegment(seg string) ([]byte, error) {
	return decodeBase64URL(seg)
}
