// Package slack adapts Slack events into scheduler Jobs via
// slack-go/slack's Socket Mode client.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/channels"
	"github.com/lemonforge/runsched/internal/job"
)

const channelName = "slack"

// Channel is one Slack app connection, driven over Socket Mode so no
// public HTTP endpoint is required.
type Channel struct {
	api       *slack.Client
	client    *socketmode.Client
	submitter channels.Submitter
	bus       bus.Bus
	engineID  string
	lane      string
	botUserID string

	mu         sync.Mutex
	lastRunIDs map[string]string // slack channel id -> most recent run_id
}

// New constructs a Channel from a bot token and an app-level token
// (required for Socket Mode). Call Start to begin processing events.
func New(botToken, appToken string, submitter channels.Submitter, b bus.Bus, engineID, lane string) (*Channel, error) {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	c := &Channel{
		api:        api,
		client:     socketmode.New(api),
		submitter:  submitter,
		bus:        b,
		engineID:   engineID,
		lane:       lane,
		botUserID:  auth.UserID,
		lastRunIDs: make(map[string]string),
	}
	return c, nil
}

// Start begins the Socket Mode event loop until ctx is canceled.
func (c *Channel) Start(ctx context.Context) error {
	go c.runEventLoop(ctx)
	return c.client.RunContext(ctx)
}

func (c *Channel) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.client.Ack(*evt.Request)

			if eventsAPIEvent.Type != slackevents.CallbackEvent {
				continue
			}
			switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				c.handleMessage(ctx, ev)
			}
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == c.botUserID || ev.SubType != "" {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "!") {
		if c.handleCommand(ev.Channel, text) {
			return
		}
	}

	sessionKey := channels.SessionKey(channelName, ev.Channel)
	j := job.Job{
		RunID:      uuid.NewString(),
		SessionKey: sessionKey,
		Prompt:     text,
		EngineID:   c.engineID,
		QueueMode:  job.Followup,
		Meta: map[string]any{
			"channel":    channelName,
			"channel_id": ev.Channel,
			"group":      !strings.HasPrefix(ev.Channel, "D"),
		},
	}

	c.mu.Lock()
	c.lastRunIDs[ev.Channel] = j.RunID
	c.mu.Unlock()

	if err := c.submitter.Submit(ctx, j, c.lane); err != nil {
		slog.Error("slack: submit failed", "channel_id", ev.Channel, "error", err)
		c.send(ev.Channel, "Could not queue your message: "+err.Error())
		return
	}

	go c.relay(ctx, ev.Channel, j.RunID)
}

func (c *Channel) handleCommand(channelID, text string) bool {
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
		slog.Warn("slack: subscribe failed", "run_id", runID, "error", err)
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
	if _, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false)); err != nil {
		slog.Warn("slack: send failed", "channel_id", channelID, "error", err)
	}
}
