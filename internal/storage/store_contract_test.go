package storage

import (
	"context"

	"github.com/stretchr/testify/suite"

	"pulse/pkg/platform/sentinel"
)

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(s *suite.Suite, store Store) {
	ctx := context.Background()

	s.Run("missing key returns not found", func() {
		_, err := store.Get(ctx, Key("t1", "missing"))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("set then get round trips bytes", func() {
		key := Key("t1", KeyConsent)
		s.Require().NoError(store.Set(ctx, key, []byte(`{"granted":true}`)))
		got, err := store.Get(ctx, key)
		s.Require().NoError(err)
		s.Equal(`{"granted":true}`, string(got))
	})

	s.Run("overwrite keeps last write", func() {
		key := Key("t1", KeyAnonymousID)
		s.Require().NoError(store.Set(ctx, key, []byte("first")))
		s.Require().NoError(store.Set(ctx, key, []byte("second")))
		got, err := store.Get(ctx, key)
		s.Require().NoError(err)
		s.Equal("second", string(got))
	})

	s.Run("delete removes key and tolerates missing", func() {
		key := Key("t1", KeyDailySeed)
		s.Require().NoError(store.Set(ctx, key, []byte("seed")))
		s.Require().NoError(store.Delete(ctx, key))
		_, err := store.Get(ctx, key)
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.NoError(store.Delete(ctx, key))
	})

	s.Run("tenants are isolated", func() {
		s.Require().NoError(store.Set(ctx, Key("a", KeyConsent), []byte("a")))
		s.Require().NoError(store.Set(ctx, Key("b", KeyConsent), []byte("b")))
		got, err := store.Get(ctx, Key("a", KeyConsent))
		s.Require().NoError(err)
		s.Equal("a", string(got))
	})
}
