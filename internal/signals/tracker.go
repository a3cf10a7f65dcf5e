// Package signals turns host observations (navigation, visibility, clicks,
// scroll dwell) into tracked events. Producers only see the Tracker surface
// and never let a fault escape into the caller.
package signals

import (
	"context"
	"fmt"
	"log/slog"

	"pulse/internal/event"
)

// Tracker is the only entry into the pipeline a producer may use.
type Tracker interface {
	HasConsent(category string) bool
	Track(ctx context.Context, name string, props map[string]any, opts ...event.TrackOption) error
	TrackSystemEvent(ctx context.Context, name string, props map[string]any) error
}

// Event names emitted by producers.
const (
	EventHeartbeat   = "heartbeat"
	EventPageView    = "page_view"
	EventPageExit    = "page_exit"
	EventClick       = "click"
	EventSectionView = "section_view"
	EventHeatmap     = "heatmap_click"
)

// guard runs fn and converts a panic or a returned error into a log line.
func guard(ctx context.Context, l *slog.Logger, producer string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.ErrorContext(ctx, "signal producer panicked", "producer", producer, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		l.WarnContext(ctx, "signal producer failed", "producer", producer, "error", err)
	}
}
