package identity

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"
)

// Fingerprint carries the coarse device traits that feed the daily id. It
// holds nothing that identifies a person on its own.
type Fingerprint struct {
	UserAgent    string
	Language     string
	Timezone     string
	ScreenWidth  int
	ScreenHeight int
}

// Minimal reduces the fingerprint to stable, low-entropy components: browser
// name and major version, OS, platform, form factor, language, timezone and a
// screen size bucket. Minor browser updates do not change the result.
func (f Fingerprint) Minimal() string {
	parts := []string{"unknown", "", "", "desktop"}
	if f.UserAgent != "" {
		ua := useragent.New(f.UserAgent)
		name, version := ua.Browser()
		if major, _, _ := strings.Cut(version, "."); name != "" {
			parts[0] = name + "/" + major
		}
		parts[1] = ua.OS()
		parts[2] = ua.Platform()
		if ua.Mobile() {
			parts[3] = "mobile"
		}
	}
	parts = append(parts,
		strings.ToLower(f.Language),
		f.Timezone,
		screenBucket(f.ScreenWidth, f.ScreenHeight),
	)
	return strings.Join(parts, "|")
}

func screenBucket(w, h int) string {
	if w <= 0 || h <= 0 {
		return "0x0"
	}
	// round to the nearest 100px so window chrome differences collapse
	return fmt.Sprintf("%dx%d", (w+50)/100*100, (h+50)/100*100)
}

// ParseUserAgent returns a human-readable device label like "Chrome on macOS".
func ParseUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	if browser == "" {
		browser = "Unknown Browser"
	}
	os := ua.OS()
	if os == "" {
		os = ua.Platform()
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.TrimSpace(browser + " on " + os)
}
