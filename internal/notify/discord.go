package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// Discord rejects webhook messages longer than this
const maxMessageLength = 2000

// diagnosticLines is how much of the encoder's stderr tail goes into an alert
const diagnosticLines = 5

// ErrInvalidWebhookURL is returned for URLs that are not Discord webhooks
var ErrInvalidWebhookURL = errors.New("invalid discord webhook url")

// Config controls abnormal-exit alerts
type Config struct {
	DiscordWebhookURL string        `yaml:"discord_webhook_url" mapstructure:"discord_webhook_url"`
	Username          string        `yaml:"username" mapstructure:"username"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns alerts disabled
func DefaultConfig() Config {
	return Config{
		Username: "sinkstream",
		Timeout:  10 * time.Second,
	}
}

// Enabled reports whether a webhook is configured
func (c Config) Enabled() bool {
	return c.DiscordWebhookURL != ""
}

// Validate checks the webhook URL when alerts are enabled
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, _, err := ParseWebhookURL(c.DiscordWebhookURL); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return errors.New("alerts timeout must be positive")
	}
	return nil
}

// ParseWebhookURL extracts the webhook id and token from
// https://discord.com/api/webhooks/{id}/{token}
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidWebhookURL, u.Scheme)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "webhooks" && len(parts) == i+3 {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" {
		return "", "", fmt.Errorf("%w: expected .../webhooks/{id}/{token}", ErrInvalidWebhookURL)
	}
	return id, token, nil
}

// DiscordNotifier posts abnormal encoder exits to a Discord channel webhook
type DiscordNotifier struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
	logger   pipeline.Logger
}

// NewDiscordNotifier creates a notifier for the configured webhook
func NewDiscordNotifier(cfg Config, logger pipeline.Logger) (*DiscordNotifier, error) {
	id, token, err := ParseWebhookURL(cfg.DiscordWebhookURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pipeline.NullLogger()
	}

	// Webhook execution needs no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	session.Client = &http.Client{Timeout: cfg.Timeout}
	session.MaxRestRetries = 1

	return &DiscordNotifier{
		session:  session,
		id:       id,
		token:    token,
		username: cfg.Username,
		logger:   logger.With(pipeline.String("component", "alerts")),
	}, nil
}

// NotifyAbnormalExit posts a short description of the failed session
func (n *DiscordNotifier) NotifyAbnormalExit(ctx context.Context, summary pipeline.SessionSummary) error {
	params := &discordgo.WebhookParams{
		Content:  FormatAlert(summary),
		Username: n.username,
	}

	if _, err := n.session.WebhookExecute(n.id, n.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}

	n.logger.Debug("Abnormal exit alert sent", pipeline.String("session_id", summary.ID))
	return nil
}

// FormatAlert renders the alert message for an abnormal encoder exit
func FormatAlert(summary pipeline.SessionSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Encoder exited abnormally** (%s)\n", summary.Exit)
	fmt.Fprintf(&b, "Session: `%s`\n", summary.ID)
	if summary.Source != "" {
		fmt.Fprintf(&b, "Source: `%s`\n", summary.Source)
	}
	if summary.Remote != "" {
		fmt.Fprintf(&b, "Client: `%s`\n", summary.Remote)
	}
	fmt.Fprintf(&b, "Relayed: %d bytes in %s\n", summary.Bytes, summary.Duration().Round(time.Millisecond))

	if tail := lastLines(summary.Diagnostics, diagnosticLines); tail != "" {
		const fence = "```\n\n```"
		if budget := maxMessageLength - b.Len() - len(fence); len(tail) > budget {
			tail = tail[len(tail)-max(budget, 0):]
		}
		b.WriteString("```\n")
		b.WriteString(tail)
		b.WriteString("\n```")
	}

	return b.String()
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var _ pipeline.Notifier = (*DiscordNotifier)(nil)
