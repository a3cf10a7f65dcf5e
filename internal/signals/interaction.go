package signals

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"pulse/internal/platform/logger"
)

const maxClickText = 100

// Click is one pointer interaction reported by the host.
type Click struct {
	Element string
	ID      string
	Classes []string
	Text    string
	Href    string
	X, Y    int
}

// Interactions tracks clicks.
type Interactions struct {
	tracker Tracker
	logger  *slog.Logger
}

func NewInteractions(tracker Tracker, l *slog.Logger) *Interactions {
	if l == nil {
		l = logger.Discard()
	}
	return &Interactions{tracker: tracker, logger: l}
}

// Click tracks c. Element text is trimmed and cut to 100 characters.
func (in *Interactions) Click(ctx context.Context, c Click) {
	guard(ctx, in.logger, "interaction", func() error {
		props := map[string]any{
			"element": strings.ToLower(c.Element),
			"x":       c.X,
			"y":       c.Y,
		}
		if c.ID != "" {
			props["element_id"] = c.ID
		}
		if len(c.Classes) > 0 {
			props["classes"] = strings.Join(c.Classes, " ")
		}
		if text := truncate(strings.TrimSpace(c.Text), maxClickText); text != "" {
			props["text"] = text
		}
		if c.Href != "" {
			props["href"] = c.Href
		}
		return in.tracker.Track(ctx, EventClick, props)
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
