package signals

import (
	"context"
	"log/slog"

	"pulse/internal/platform/logger"
	"pulse/pkg/platform/sampler"
)

const heatmapKind = "heatmap"

// Point is a click position relative to the viewport.
type Point struct {
	Page           string
	X, Y           int
	ViewportWidth  int
	ViewportHeight int
}

// Heatmap records a sampled fraction of click positions.
type Heatmap struct {
	tracker Tracker
	sampler *sampler.Sampler
	logger  *slog.Logger
}

// NewHeatmap keeps rate of the recorded points.
func NewHeatmap(tracker Tracker, rate float64, l *slog.Logger) *Heatmap {
	if l == nil {
		l = logger.Discard()
	}
	return &Heatmap{tracker: tracker, sampler: sampler.New(rate), logger: l}
}

// Sampler exposes the rate source so remote settings can adjust it and tests
// can fix the roll.
func (h *Heatmap) Sampler() *sampler.Sampler {
	return h.sampler
}

// SetRate changes the sampling rate.
func (h *Heatmap) SetRate(rate float64) {
	h.sampler.SetRate(heatmapKind, rate)
}

func (h *Heatmap) Record(ctx context.Context, p Point) {
	guard(ctx, h.logger, "heatmap", func() error {
		if !h.sampler.Keep(heatmapKind) {
			return nil
		}
		props := map[string]any{
			"page": p.Page,
			"x":    p.X,
			"y":    p.Y,
		}
		if p.ViewportWidth > 0 && p.ViewportHeight > 0 {
			props["viewport_width"] = p.ViewportWidth
			props["viewport_height"] = p.ViewportHeight
			props["x_ratio"] = float64(p.X) / float64(p.ViewportWidth)
			props["y_ratio"] = float64(p.Y) / float64(p.ViewportHeight)
		}
		props["sample_rate"] = h.sampler.Rate(heatmapKind)
		return h.tracker.Track(ctx, EventHeatmap, props)
	})
}
