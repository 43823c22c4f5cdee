// Copyright 2025 Certen Protocol
//
// Server is the gateway's HTTP front end: it accepts signed completion
// requests, forwards them to the backend, records confirmations, and
// answers sequence lookups - following the teacher's net/http +
// http.ServeMux + graceful-shutdown shape.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/certenIO/deopenchat-gateway/pkg/journal"
	"github.com/certenIO/deopenchat-gateway/pkg/metrics"
	"github.com/certenIO/deopenchat-gateway/pkg/wire"
)

const (
	pathCompletions        = "/v1/completions"
	pathCompletionsConfirm = "/v1/completions/confirm"
	pathCompletionsSeq     = "/v1/completions/seq/"
)

// ChainStatusReader is the narrow chain surface the seq lookup endpoint
// falls back to when the journal has never seen a client (e.g. after a
// gateway restart whose data directory was rotated).
type ChainStatusReader interface {
	ViewStatus(ctx context.Context, pk [32]byte) (commitSeq uint32, allowance uint64, err error)
}

// Counter is the gateway's atomic running total of tokens billed but
// not yet settled on chain. It implements settlement.TokenCounter.
type Counter struct {
	v atomic.Uint64
}

// Add increments the counter by n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Sub decrements the counter by n, saturating at zero rather than
// wrapping, since a settlement race should never leave the gauge
// reporting a nonsensical value.
func (c *Counter) Sub(n uint64) {
	for {
		cur := c.v.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if c.v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Load returns the current value.
func (c *Counter) Load() uint64 { return c.v.Load() }

// Server is the gateway's HTTP front end.
type Server struct {
	store       *journal.Store
	backend     CompletionBackend
	chainStatus ChainStatusReader
	counter     *Counter
	logger      *log.Logger

	httpServer *http.Server
}

// NewServer builds a Server listening on addr.
func NewServer(addr string, store *journal.Store, backend CompletionBackend, chainStatus ChainStatusReader, counter *Counter) *Server {
	s := &Server{
		store:       store,
		backend:     backend,
		chainStatus: chainStatus,
		counter:     counter,
		logger:      log.New(log.Writer(), "[Gateway] ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pathCompletions, s.handleCompletions)
	mux.HandleFunc(pathCompletionsConfirm, s.handleConfirm)
	mux.HandleFunc(pathCompletionsSeq, s.handleSeq)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until Shutdown is
// called or the server fails to start.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("gateway listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, pathCompletions, http.StatusMethodNotAllowed, fmt.Errorf("%w: method %s not allowed", ErrBadRequest, r.Method))
		return
	}

	var req wire.CompletionsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, pathCompletions, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := wire.VerifyRequest(req.PK, req.Request); err != nil {
		s.fail(w, pathCompletions, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrInvalidSig, err))
		return
	}
	if s.chainStatus != nil {
		_, remaining, err := s.chainStatus.ViewStatus(r.Context(), req.PK)
		if err != nil {
			s.fail(w, pathCompletions, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrUnknownClient, err))
			return
		}
		if remaining == 0 {
			s.fail(w, pathCompletions, http.StatusInternalServerError, fmt.Errorf("%w: client %s", ErrResourceExhausted, req.PK.Hex()))
			return
		}
	}
	if err := s.store.Req(req); err != nil {
		s.fail(w, pathCompletions, http.StatusInternalServerError, err)
		return
	}

	rawResp, err := s.backend.Completions(r.Context(), req.RawReq)
	if err != nil {
		s.fail(w, pathCompletions, http.StatusInternalServerError, err)
		return
	}

	resp := wire.CompletionsResp{RawResponse: rawResp}
	if err := s.store.Resp(req, resp); err != nil {
		s.fail(w, pathCompletions, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, pathCompletions, resp)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, pathCompletionsConfirm, http.StatusMethodNotAllowed, fmt.Errorf("%w: method %s not allowed", ErrBadRequest, r.Method))
		return
	}

	var confirm wire.ConfirmReq
	if err := json.NewDecoder(r.Body).Decode(&confirm); err != nil {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := wire.VerifyConfirm(confirm.PK, confirm.Confirm); err != nil {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrInvalidSig, err))
		return
	}

	round, err := s.store.LoadRound(confirm.PK, confirm.Confirm.Msg.Seq)
	if err != nil {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError, err)
		return
	}
	promptTokens, completionTokens, err := extractUsage(round.Resp.RawResponse)
	if err != nil {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError, err)
		return
	}
	if confirm.Confirm.Msg.InputTokens < promptTokens || confirm.Confirm.Msg.RespTokens < completionTokens {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError,
			fmt.Errorf("%w: reported input=%d/resp=%d, backend measured prompt=%d/completion=%d",
				ErrUnderReport, confirm.Confirm.Msg.InputTokens, confirm.Confirm.Msg.RespTokens, promptTokens, completionTokens))
		return
	}

	if err := s.store.ConfirmRound(confirm); err != nil {
		s.fail(w, pathCompletionsConfirm, http.StatusInternalServerError, err)
		return
	}

	tokens := uint64(confirm.Confirm.Msg.InputTokens) + uint64(confirm.Confirm.Msg.RespTokens)
	s.counter.Add(tokens)
	metrics.AccumulatedTokens.Set(float64(s.counter.Load()))

	w.WriteHeader(http.StatusOK)
	metrics.RequestsTotal.WithLabelValues(pathCompletionsConfirm, "200").Inc()
}

func (s *Server) handleSeq(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.fail(w, pathCompletionsSeq, http.StatusMethodNotAllowed, fmt.Errorf("%w: method %s not allowed", ErrBadRequest, r.Method))
		return
	}

	hexKey := strings.TrimPrefix(r.URL.Path, pathCompletionsSeq)
	var pk wire.PublicKey
	if err := pk.UnmarshalHex(hexKey); err != nil {
		s.fail(w, pathCompletionsSeq, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	status, err := s.store.LoadStatus(pk)
	switch {
	case err == nil:
		s.writeSeq(w, pathCompletionsSeq, status.Seq)
		return
	case err == journal.ErrNotFound && s.chainStatus != nil:
		chainSeq, _, chainErr := s.chainStatus.ViewStatus(r.Context(), pk)
		if chainErr != nil {
			s.fail(w, pathCompletionsSeq, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrUnknownClient, chainErr))
			return
		}
		s.writeSeq(w, pathCompletionsSeq, chainSeq)
		return
	default:
		s.fail(w, pathCompletionsSeq, http.StatusInternalServerError, err)
		return
	}
}

// writeSeq writes the ASCII decimal encoding of seq as the whole response
// body, matching the wire contract's plain-text seq lookup response.
func (s *Server) writeSeq(w http.ResponseWriter, route string, seq uint32) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%d", seq)
	metrics.RequestsTotal.WithLabelValues(route, "200").Inc()
}

// fail writes a plain-text error response with the given status (500,
// or 405 for a wrong HTTP method) and records the outcome in metrics.
func (s *Server) fail(w http.ResponseWriter, route string, status int, err error) {
	s.logger.Printf("%s: %v", route, err)
	metrics.RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, route string, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("%s: write response: %v", route, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues(route, "200").Inc()
}
