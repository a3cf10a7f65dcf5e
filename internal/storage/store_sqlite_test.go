package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pulse/internal/platform/sqlite"
	"pulse/pkg/platform/sentinel"
)

type SQLiteStoreSuite struct {
	suite.Suite
	store *SQLiteStore
	path  string
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "pulse.db")
	db, err := sqlite.Open(s.path)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })

	s.store, err = NewSQLite(context.Background(), db)
	s.Require().NoError(err)
}

func (s *SQLiteStoreSuite) TestContract() {
	exerciseStore(&s.Suite, s.store)
}

func (s *SQLiteStoreSuite) TestSurvivesReopen() {
	ctx := context.Background()
	s.Require().NoError(s.store.Set(ctx, Key("t", KeyAnonymousID), []byte("id-1")))

	db, err := sqlite.Open(s.path)
	s.Require().NoError(err)
	defer db.Close()
	reopened, err := NewSQLite(ctx, db)
	s.Require().NoError(err)

	got, err := reopened.Get(ctx, Key("t", KeyAnonymousID))
	s.Require().NoError(err)
	s.Equal("id-1", string(got))
}

func (s *SQLiteStoreSuite) TestTTL() {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db, err := sqlite.Open(":memory:")
	s.Require().NoError(err)
	defer db.Close()
	store, err := NewSQLite(ctx, db, WithSQLiteTTL(time.Minute), WithSQLiteClock(func() time.Time { return now }))
	s.Require().NoError(err)

	s.Require().NoError(store.Set(ctx, "k", []byte("v")))
	_, err = store.Get(ctx, "k")
	s.NoError(err)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, "k")
	s.ErrorIs(err, sentinel.ErrNotFound)
}
