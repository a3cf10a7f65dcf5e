package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"pulse/internal/event"
)

const maxLineSize = 1 << 20

var errUnknownConsentAction = errors.New("consent must be grant or revoke")

// Replayer is what replay drives; *analytics.Client satisfies it.
type Replayer interface {
	Track(ctx context.Context, name string, props map[string]any, opts ...event.TrackOption) error
	TrackSystemEvent(ctx context.Context, name string, props map[string]any) error
	GrantConsent(ctx context.Context, categories ...string) error
	RevokeConsent(ctx context.Context, categories ...string) error
	Flush(ctx context.Context) error
}

// line is one JSON-lines record. A record with "consent" changes consent
// instead of tracking.
type line struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	System     bool           `json:"system"`
	Category   string         `json:"category"`
	Flush      bool           `json:"flush"`
	Consent    string         `json:"consent"` // grant or revoke
	Categories []string       `json:"categories"`
}

type replayStats struct {
	Lines   int
	Tracked int
	Skipped int
}

// replay feeds every line of r to c. Malformed lines and rejected events are
// logged and skipped; only read failures and cancellation stop the replay.
func replay(ctx context.Context, r io.Reader, c Replayer, limiter *rate.Limiter, log *slog.Logger) (replayStats, error) {
	var stats replayStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		stats.Lines++
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			log.Warn("skipping malformed line", "line", stats.Lines, "error", err)
			stats.Skipped++
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := apply(ctx, c, l); err != nil {
			log.Warn("line rejected", "line", stats.Lines, "error", err)
			stats.Skipped++
			continue
		}
		if l.Consent == "" {
			stats.Tracked++
		}
	}
	return stats, sc.Err()
}

func apply(ctx context.Context, c Replayer, l line) error {
	switch l.Consent {
	case "grant":
		return c.GrantConsent(ctx, l.Categories...)
	case "revoke":
		return c.RevokeConsent(ctx, l.Categories...)
	case "":
	default:
		return errUnknownConsentAction
	}
	if l.System {
		return c.TrackSystemEvent(ctx, l.Event, l.Properties)
	}
	var opts []event.TrackOption
	if l.Category != "" {
		opts = append(opts, event.WithCategory(l.Category))
	}
	if l.Flush {
		opts = append(opts, event.WithFlush())
	}
	return c.Track(ctx, l.Event, l.Properties, opts...)
}
