package config

import "encoding/json"

const secretMask = "***"

// Clone deep-copies cfg via a JSON round trip, giving the result its own
// zero-value mutex rather than copying the live one.
func Clone(c *Config) *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	return cp
}

// MaskedCopy returns a deep copy of the config with every secret field
// masked, for serving over the gateway's config.get method.
func (c *Config) MaskedCopy() *Config {
	cp := Clone(c)

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Slack.BotToken)
	maskNonEmpty(&cp.Channels.Slack.AppToken)
	maskNonEmpty(&cp.Store.DSN)

	return cp
}

// StripSecrets zeros every secret field. Used before writing the config
// back to disk so secrets never round-trip into config.json5.
func (c *Config) StripSecrets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway.Token = ""
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Channels.Slack.BotToken = ""
	c.Channels.Slack.AppToken = ""
	c.Store.DSN = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
