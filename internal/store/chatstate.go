package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ChatState is the per-session resume hint consumed by the Scheduler's
// auto-resume step. TTL defaults to 24h; expiry is enforced lazily on
// read, backstopped by a periodic sweep.
type ChatState struct {
	LastEngine      string `json:"last_engine"`
	LastResumeValue string `json:"last_resume_token"`
	ExpiresAtMS     int64  `json:"expires_at_ms"`
}

func (c ChatState) expired(nowMS int64) bool { return c.ExpiresAtMS > 0 && nowMS >= c.ExpiresAtMS }

// ChatStateStore layers ChatState semantics on top of the raw chat Table.
type ChatStateStore struct {
	table Table
	ttl   time.Duration

	stop chan struct{}
}

// NewChatStateStore wraps table with TTL semantics and starts a sweep
// goroutine at the given cadence. Call Close to stop the sweep.
func NewChatStateStore(table Table, ttl time.Duration, sweepInterval time.Duration) *ChatStateStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	s := &ChatStateStore{table: table, ttl: ttl, stop: make(chan struct{})}
	go s.sweepLoop(sweepInterval)
	return s
}

func (s *ChatStateStore) Close() { close(s.stop) }

// Get returns the session's ChatState, or ok=false if absent or expired.
func (s *ChatStateStore) Get(ctx context.Context, sessionKey string, nowMS int64) (ChatState, bool) {
	raw, err := s.table.Get(ctx, sessionKey)
	if err != nil {
		return ChatState{}, false
	}
	var cs ChatState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return ChatState{}, false
	}
	if cs.expired(nowMS) {
		return ChatState{}, false
	}
	return cs, true
}

// Put stores ChatState for sessionKey, setting ExpiresAtMS from the
// store's configured TTL relative to nowMS.
func (s *ChatStateStore) Put(ctx context.Context, sessionKey string, cs ChatState, nowMS int64) error {
	cs.ExpiresAtMS = nowMS + s.ttl.Milliseconds()
	b, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return s.table.Put(ctx, sessionKey, b)
}

// Clear removes ChatState for sessionKey, e.g. after a context-overflow
// error so the next submit starts the session fresh.
func (s *ChatStateStore) Clear(ctx context.Context, sessionKey string) error {
	return s.table.Delete(ctx, sessionKey)
}

func (s *ChatStateStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *ChatStateStore) sweep() {
	ctx := context.Background()
	entries, err := s.table.List(ctx)
	if err != nil {
		return
	}
	now := time.Now().UnixMilli()
	for _, kv := range entries {
		var cs ChatState
		if err := json.Unmarshal(kv.Value, &cs); err != nil {
			continue
		}
		if cs.expired(now) {
			if err := s.table.Delete(ctx, kv.Key); err != nil {
				slog.Warn("chatstate: sweep delete failed", "key", kv.Key, "error", err)
			}
		}
	}
}
