package consent

import (
	"slices"
	"strings"
	"time"

	dErrors "pulse/pkg/domain-errors"
)

// Mode selects the consent state machine.
type Mode string

const (
	// ModeCookieless never implies permanent tracking.
	ModeCookieless Mode = "cookieless"
	// ModeGDPRStrict requires an explicit grant.
	ModeGDPRStrict Mode = "gdpr-strict"
	// ModeGDPROptOut grants everything until revoked.
	ModeGDPROptOut Mode = "gdpr-opt-out"
)

var modeAliases = map[string]Mode{
	"":                     ModeCookieless,
	string(ModeCookieless): ModeCookieless,
	string(ModeGDPRStrict): ModeGDPRStrict,
	string(ModeGDPROptOut): ModeGDPROptOut,
	"opt-in":               ModeGDPRStrict,
	"opt-out":              ModeGDPROptOut,
	"disabled":             ModeGDPROptOut,
}

// ParseMode normalizes a configured mode, including legacy aliases.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", dErrors.New(dErrors.CodeInvalidInput, "unknown consent mode: "+s)
}

// IDMode is the identity mode implied by the current consent.
type IDMode string

const (
	IDModePermanent  IDMode = "permanent"
	IDModeCookieless IDMode = "cookieless"
)

// Status labels minimally-attributed system events.
type Status string

const (
	StatusGranted    Status = "granted"
	StatusPending    Status = "pending"
	StatusDenied     Status = "denied"
	StatusCookieless Status = "cookieless"
)

// State is the persisted consent record.
type State struct {
	Granted    bool      `json:"granted"`
	Categories []string  `json:"categories"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	// Revoked lists categories explicitly withdrawn. gdpr-opt-out treats every
	// category outside it as consented.
	Revoked []string `json:"revoked,omitempty"`
}

// HasCategory reports whether category is among the granted categories.
func (s State) HasCategory(category string) bool {
	return slices.Contains(s.Categories, category)
}

// IsRevoked reports whether category was explicitly withdrawn.
func (s State) IsRevoked(category string) bool {
	return slices.Contains(s.Revoked, category)
}

func (s State) clone() State {
	s.Categories = slices.Clone(s.Categories)
	s.Revoked = slices.Clone(s.Revoked)
	return s
}

func (s *State) add(categories []string) {
	for _, c := range categories {
		if c != "" && !slices.Contains(s.Categories, c) {
			s.Categories = append(s.Categories, c)
		}
	}
	s.Revoked = slices.DeleteFunc(s.Revoked, func(c string) bool {
		return slices.Contains(categories, c)
	})
	slices.Sort(s.Categories)
	s.Granted = len(s.Categories) > 0
}

func (s *State) remove(categories []string) {
	s.Categories = slices.DeleteFunc(s.Categories, func(c string) bool {
		return slices.Contains(categories, c)
	})
	for _, c := range categories {
		if c != "" && !slices.Contains(s.Revoked, c) {
			s.Revoked = append(s.Revoked, c)
		}
	}
	slices.Sort(s.Revoked)
	s.Granted = len(s.Categories) > 0
}
