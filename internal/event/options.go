package event

// TrackOptions are per-call tracking flags.
type TrackOptions struct {
	Flush    bool
	Category string
}

// TrackOption mutates TrackOptions.
type TrackOption func(*TrackOptions)

// WithFlush requests an immediate flush; Track returns after it settles.
func WithFlush() TrackOption {
	return func(o *TrackOptions) {
		o.Flush = true
	}
}

// WithCategory gates the event on consent for category instead of any consent.
func WithCategory(category string) TrackOption {
	return func(o *TrackOptions) {
		o.Category = category
	}
}

// ApplyTrackOptions folds opts into a TrackOptions value.
func ApplyTrackOptions(opts ...TrackOption) TrackOptions {
	var o TrackOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
