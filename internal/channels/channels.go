// Package channels defines the small surface every chat transport
// adapter (Telegram, Discord, Slack) needs from the scheduling core,
// and the thread_key convention shared across them.
package channels

import (
	"context"

	"github.com/lemonforge/runsched/internal/job"
)

// Submitter is the scheduler surface a channel adapter depends on: enough
// to submit jobs and cancel the run currently occupying a chat.
type Submitter interface {
	Submit(ctx context.Context, j job.Job, lane string) error
	CancelByRunID(runID, reason string) bool
}

// SessionKey builds the session_key (and therefore thread_key, which a
// set session_key always decides) for one chat on one channel, so a Telegram DM and a
// same-numbered Discord channel never collide.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}
