// Package telegram adapts Telegram updates into scheduler Jobs and
// relays run completion back into the chat, via mymmrac/telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/channels"
	"github.com/lemonforge/runsched/internal/job"
)

const channelName = "telegram"

// Channel is one Telegram bot connection.
type Channel struct {
	bot       *telego.Bot
	submitter channels.Submitter
	bus       bus.Bus
	engineID  string
	lane      string

	mu         sync.Mutex
	lastRunIDs map[int64]string // chat id -> most recently submitted run_id
}

// New constructs a Channel from a bot token. Call Start to begin polling.
func New(token string, submitter channels.Submitter, b bus.Bus, engineID, lane string) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &Channel{
		bot:        bot,
		submitter:  submitter,
		bus:        b,
		engineID:   engineID,
		lane:       lane,
		lastRunIDs: make(map[int64]string),
	}, nil
}

// Start begins long-polling for updates until ctx is canceled.
func (c *Channel) Start(ctx context.Context) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram: long polling: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		if c.handleCommand(ctx, chatID, text) {
			return
		}
	}

	isGroup := msg.Chat.Type != "private"
	sessionKey := channels.SessionKey(channelName, strconv.FormatInt(chatID, 10))

	j := job.Job{
		RunID:      uuid.NewString(),
		SessionKey: sessionKey,
		Prompt:     text,
		EngineID:   c.engineID,
		QueueMode:  job.Followup,
		Meta: map[string]any{
			"channel": channelName,
			"chat_id": chatID,
			"group":   isGroup,
		},
	}

	c.mu.Lock()
	c.lastRunIDs[chatID] = j.RunID
	c.mu.Unlock()

	if err := c.submitter.Submit(ctx, j, c.lane); err != nil {
		slog.Error("telegram: submit failed", "chat_id", chatID, "error", err)
		c.send(ctx, chatID, "Could not queue your message: "+err.Error())
		return
	}

	go c.relay(ctx, chatID, j.RunID)
}

// handleCommand processes a small set of session-control slash commands.
// Returns true if the message was fully handled as a command.
func (c *Channel) handleCommand(ctx context.Context, chatID int64, text string) bool {
	cmd := strings.ToLower(strings.SplitN(text, " ", 2)[0])
	cmd = strings.SplitN(cmd, "@", 2)[0]

	switch cmd {
	case "/help":
		c.send(ctx, chatID, "Send a message to submit a job.\n/stop cancels the active run in this chat.")
		return true

	case "/stop":
		c.mu.Lock()
		runID := c.lastRunIDs[chatID]
		c.mu.Unlock()
		if runID == "" || !c.submitter.CancelByRunID(runID, "user_requested") {
			c.send(ctx, chatID, "Nothing to stop.")
		} else {
			c.send(ctx, chatID, "Stopped.")
		}
		return true
	}
	return false
}

// relay subscribes to the run's bus topic and forwards the final answer
// (or error) back into the chat once the run completes.
func (c *Channel) relay(ctx context.Context, chatID int64, runID string) {
	sub, err := c.bus.Subscribe(ctx, bus.RunTopic(runID))
	if err != nil {
		slog.Warn("telegram: subscribe failed", "run_id", runID, "error", err)
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
			if ev.Type != "run_completed" {
				continue
			}
			completed, _ := ev.Payload["completed"].(map[string]any)
			if answer, _ := completed["answer"].(string); answer != "" {
				c.send(ctx, chatID, answer)
			} else if errMsg, _ := completed["error"].(string); errMsg != "" {
				c.send(ctx, chatID, "Error: "+errMsg)
			}
			return
		}
	}
}

func (c *Channel) send(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegram: send failed", "chat_id", chatID, "error", err)
	}
}
