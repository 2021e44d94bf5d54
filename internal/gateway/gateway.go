// Package gateway exposes a minimal control-plane surface over HTTP: a
// JSON-RPC-style dispatcher for submit/cancel/status calls, and a
// websocket upgrade that streams the Bus's global topic to dashboard
// subscribers. The request/response envelope shape (method, params, id
// / ok, error) follows the teacher's gateway method handlers; the HTTP
// and websocket transport loop is new, since no teacher server.go was
// available to adapt.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/job"
)

// Submitter is the scheduler surface the gateway depends on.
type Submitter interface {
	Submit(ctx context.Context, j job.Job, lane string) error
	CancelByRunID(runID, reason string) bool
	CancelByProgress(ctx context.Context, scope, msgID, reason string) bool
	LaneStats() []LaneStats
}

// LaneStats mirrors scheduler.LaneStats without importing the scheduler
// package, keeping the gateway's dependency direction one-way.
type LaneStats struct {
	Name      string `json:"name"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
}

// RequestFrame is the envelope every gateway.call request carries.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the envelope every gateway.call response carries.
type ResponseFrame struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func okResponse(id string, result any) ResponseFrame {
	return ResponseFrame{ID: id, OK: true, Result: result}
}

func errResponse(id, msg string) ResponseFrame {
	return ResponseFrame{ID: id, OK: false, Error: msg}
}

// Gateway is the control-plane HTTP server: one /rpc endpoint for
// request/response calls, one /ws endpoint for live event streaming.
type Gateway struct {
	submitter   Submitter
	bus         bus.Bus
	token       string
	upgrader    websocket.Upgrader
	maskedCfgFn func() any
}

// New constructs a Gateway. token, if non-empty, is required as a
// "Bearer <token>" Authorization header on every request. maskedCfgFn
// supplies the payload for the config.get method (typically
// config.Config.MaskedCopy); it may be nil to disable that method.
func New(submitter Submitter, b bus.Bus, token string, maskedCfgFn func() any) *Gateway {
	return &Gateway{
		submitter:   submitter,
		bus:         b,
		token:       token,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		maskedCfgFn: maskedCfgFn,
	}
}

// Handler returns the http.Handler to mount at the gateway's listen address.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", g.authenticated(g.handleRPC))
	mux.HandleFunc("/ws", g.authenticated(g.handleWS))
	return mux
}

// ListenAndServe runs the gateway's HTTP server until ctx is canceled.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.token == "" {
			next(w, r)
			return
		}
		want := "Bearer " + g.token
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RequestFrame
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errResponse("", "invalid request body: "+err.Error()))
		return
	}
	writeJSON(w, g.dispatch(r.Context(), req))
}

func (g *Gateway) dispatch(ctx context.Context, req RequestFrame) ResponseFrame {
	switch req.Method {
	case "submit":
		return g.handleSubmit(ctx, req)
	case "cancel_by_run_id":
		return g.handleCancelByRunID(req)
	case "cancel_by_progress":
		return g.handleCancelByProgress(ctx, req)
	case "status":
		return g.handleStatus(req)
	case "config.get":
		return g.handleConfigGet(req)
	default:
		return errResponse(req.ID, "unknown method: "+req.Method)
	}
}

type submitParams struct {
	RunID      string         `json:"run_id"`
	SessionKey string         `json:"session_key"`
	Prompt     string         `json:"prompt"`
	EngineID   string         `json:"engine_id"`
	QueueMode  string         `json:"queue_mode"`
	Lane       string         `json:"lane"`
	Meta       map[string]any `json:"meta"`
}

func (g *Gateway) handleSubmit(ctx context.Context, req RequestFrame) ResponseFrame {
	var p submitParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, "invalid params: "+err.Error())
		}
	}
	if p.Prompt == "" {
		return errResponse(req.ID, "prompt is required")
	}
	j := job.Job{
		RunID:      p.RunID,
		SessionKey: p.SessionKey,
		Prompt:     p.Prompt,
		EngineID:   p.EngineID,
		QueueMode:  job.QueueMode(p.QueueMode),
		Meta:       p.Meta,
	}
	if j.QueueMode == "" {
		j.QueueMode = job.Followup
	}
	if err := g.submitter.Submit(ctx, j, p.Lane); err != nil {
		return errResponse(req.ID, "submit failed: "+err.Error())
	}
	return okResponse(req.ID, map[string]any{"run_id": j.RunID})
}

type cancelByRunIDParams struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

func (g *Gateway) handleCancelByRunID(req RequestFrame) ResponseFrame {
	var p cancelByRunIDParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, "invalid params: "+err.Error())
		}
	}
	if p.RunID == "" {
		return errResponse(req.ID, "run_id is required")
	}
	if p.Reason == "" {
		p.Reason = "gateway_requested"
	}
	ok := g.submitter.CancelByRunID(p.RunID, p.Reason)
	return okResponse(req.ID, map[string]any{"cancelled": ok})
}

type cancelByProgressParams struct {
	Scope  string `json:"scope"`
	MsgID  string `json:"msg_id"`
	Reason string `json:"reason"`
}

func (g *Gateway) handleCancelByProgress(ctx context.Context, req RequestFrame) ResponseFrame {
	var p cancelByProgressParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.ID, "invalid params: "+err.Error())
		}
	}
	if p.Scope == "" || p.MsgID == "" {
		return errResponse(req.ID, "scope and msg_id are required")
	}
	if p.Reason == "" {
		p.Reason = "gateway_requested"
	}
	ok := g.submitter.CancelByProgress(ctx, p.Scope, p.MsgID, p.Reason)
	return okResponse(req.ID, map[string]any{"cancelled": ok})
}

func (g *Gateway) handleStatus(req RequestFrame) ResponseFrame {
	return okResponse(req.ID, map[string]any{"lanes": g.submitter.LaneStats()})
}

func (g *Gateway) handleConfigGet(req RequestFrame) ResponseFrame {
	if g.maskedCfgFn == nil {
		return errResponse(req.ID, "config.get not available")
	}
	return okResponse(req.ID, g.maskedCfgFn())
}

// handleWS upgrades to a websocket and streams every event on the Bus's
// global topic (run starts, deltas, completions across all sessions)
// until the client disconnects.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sub, err := g.bus.Subscribe(ctx, bus.GlobalTopic)
	if err != nil {
		slog.Warn("gateway: subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
