// Package alert presents local alerts to the user through a pluggable
// provider. Alerts are keyed: re-showing an alert with the same ID replaces
// the previous one instead of stacking a new copy.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Alert is one user-visible notification.
type Alert struct {
	ID         string // Stable key; repeated alerts with the same ID replace
	Title      string
	Body       string
	ClickURL   string // Where acting on the alert routes the user
	Persistent bool   // Stays up until dismissed
}

// Provider defines the interface for alert delivery implementations.
type Provider interface {
	// Send delivers an alert with the given ID; the ID is stable across
	// re-sends of the same alert.
	Send(ctx context.Context, id, title, htmlBody string) error
}

// Presenter formats and delivers alerts using a pluggable provider.
type Presenter struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new alert presenter with the given provider.
func New(provider Provider, logger *slog.Logger) *Presenter {
	return &Presenter{
		provider: provider,
		logger:   logger,
	}
}

// Show delivers an alert. The provider dedupes by a.ID, so repeated calls
// during the same episode replace rather than stack.
func (p *Presenter) Show(ctx context.Context, a Alert) error {
	p.logger.Info("Showing alert",
		"id", a.ID,
		"title", a.Title,
		"persistent", a.Persistent)

	return p.provider.Send(ctx, a.ID, a.Title, formatBody(a))
}

func formatBody(a Alert) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".body { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString("a { color: #e67e22; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(a.Title)))
	b.WriteString(fmt.Sprintf("<div class=\"body\">%s</div>\n", escapeHTML(a.Body)))
	if a.ClickURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Open poll page</a>\n", escapeHTML(a.ClickURL)))
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

// escapeHTML escapes HTML special characters for security.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
