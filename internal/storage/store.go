// Package storage persists small SDK state records (consent, identity seeds,
// remote configuration) behind one key/value interface.
//
// Two scopes exist: durable (survives restarts) and session (expires with the
// host session). Both use the same Store contract; the session scope is a store
// constructed with a TTL.
package storage

import (
	"context"
	"strings"
)

// Store is a byte-oriented key/value store. Get returns sentinel.ErrNotFound
// for missing or expired keys. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

const keyPrefix = "pulse"

// Well-known record names.
const (
	KeyAnonymousID  = "anonymous_id"
	KeyConsent      = "consent"
	KeyDailySeed    = "daily_seed"
	KeyRemoteConfig = "remote_config"
)

// Key namespaces name under the tenant so instances for different tenants can
// share one backend.
func Key(tenant, name string) string {
	var b strings.Builder
	b.Grow(len(keyPrefix) + len(tenant) + len(name) + 2)
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(tenant)
	b.WriteByte(':')
	b.WriteString(name)
	return b.String()
}
