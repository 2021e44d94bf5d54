// Package discord adapts Discord messages into scheduler Jobs via
// bwmarrin/discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/channels"
	"github.com/lemonforge/runsched/internal/job"
)

const channelName = "discord"

// Channel is one Discord bot connection.
type Channel struct {
	session   *discordgo.Session
	submitter channels.Submitter
	bus       bus.Bus
	engineID  string
	lane      string

	mu         sync.Mutex
	lastRunIDs map[string]string // discord channel id -> most recent run_id
}

// New constructs a Channel from a bot token. Call Start to open the
// gateway connection.
func New(token string, submitter channels.Submitter, b bus.Bus, engineID, lane string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	c := &Channel{
		session:    session,
		submitter:  submitter,
		bus:        b,
		engineID:   engineID,
		lane:       lane,
		lastRunIDs: make(map[string]string),
	}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

// Start opens the gateway connection and blocks until ctx is canceled.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	<-ctx.Done()
	return c.session.Close()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	ctx := context.Background()

	if strings.HasPrefix(text, "!") {
		if c.handleCommand(ctx, m.ChannelID, text) {
			return
		}
	}

	sessionKey := channels.SessionKey(channelName, m.ChannelID)
	j := job.Job{
		RunID:      uuid.NewString(),
		SessionKey: sessionKey,
		Prompt:     text,
		EngineID:   c.engineID,
		QueueMode:  job.Followup,
		Meta: map[string]any{
			"channel":    channelName,
			"channel_id": m.ChannelID,
			"group":      m.GuildID != "",
		},
	}

	c.mu.Lock()
	c.lastRunIDs[m.ChannelID] = j.RunID
	c.mu.Unlock()

	if err := c.submitter.Submit(ctx, j, c.lane); err != nil {
		slog.Error("discord: submit failed", "channel_id", m.ChannelID, "error", err)
		c.send(m.ChannelID, "Could not queue your message: "+err.Error())
		return
	}

	go c.relay(ctx, m.ChannelID, j.RunID)
}

func (c *Channel) handleCommand(ctx context.Context, channelID, text string) bool {
	switch strings.ToLower(strings.SplitN(text, " ", 2)[0]) {
	case "!help":
		c.send(channelID, "Send a message to submit a job.\n!stop cancels the active run in this channel.")
		return true
	case "!stop":
		c.mu.Lock()
		runID := c.lastRunIDs[channelID]
		c.mu.Unlock()
		if runID == "" || !c.submitter.CancelByRunID(runID, "user_requested") {
			c.send(channelID, "Nothing to stop.")
		} else {
			c.send(channelID, "Stopped.")
		}
		return true
	}
	return false
}

func (c *Channel) relay(ctx context.Context, channelID, runID string) {
	sub, err := c.bus.Subscribe(ctx, bus.RunTopic(runID))
	if err != nil {
		slog.Warn("discord: subscribe failed", "run_id", runID, "error", err)
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
				c.send(channelID, answer)
			} else if errMsg, _ := completed["error"].(string); errMsg != "" {
				c.send(channelID, "Error: "+errMsg)
			}
			return
		}
	}
}

func (c *Channel) send(channelID, text string) {
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("discord: send failed", "channel_id", channelID, "error", err)
	}
}
