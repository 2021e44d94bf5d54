package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lemonforge/runsched/internal/gateway"
)

// resolveAddr turns a listen address like ":8099" (fine for a server,
// useless for a client) into something http.NewRequest can dial.
func resolveAddr(addr string) string {
	if addr == "" {
		return "localhost:8099"
	}
	if addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// callGateway POSTs one RequestFrame to the running daemon's gateway and
// decodes the ResponseFrame. Used by every admin subcommand that talks
// to a live daemon rather than constructing its own Scheduler in-process.
func callGateway(addr, token, method string, params any) (gateway.ResponseFrame, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return gateway.ResponseFrame{}, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	reqBody, err := json.Marshal(gateway.RequestFrame{ID: time.Now().Format(time.RFC3339Nano), Method: method, Params: raw})
	if err != nil {
		return gateway.ResponseFrame{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+resolveAddr(addr)+"/rpc", bytes.NewReader(reqBody))
	if err != nil {
		return gateway.ResponseFrame{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return gateway.ResponseFrame{}, fmt.Errorf("gateway request failed (is the daemon running?): %w", err)
	}
	defer resp.Body.Close()

	var respFrame gateway.ResponseFrame
	if err := json.NewDecoder(resp.Body).Decode(&respFrame); err != nil {
		return gateway.ResponseFrame{}, fmt.Errorf("decode response: %w", err)
	}
	return respFrame, nil
}
