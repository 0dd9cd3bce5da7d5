package transcript_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/transcript"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func waitPrevious(t *testing.T, r *transcript.Recorder) string {
	t.Helper()
	select {
	case <-r.PreviousReady():
	case <-time.After(2 * time.Second):
		t.Fatal("previous transcripts never loaded")
	}
	prev, ok := r.Previous()
	require.True(t, ok)
	return prev
}

func TestStartCreatesExactlyOneSession(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	r := transcript.Start(ctx, store, "dev-1")
	id := r.SessionID()
	r.Close()

	require.NotZero(t, id)
	sessions, err := store.SessionsForDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "dev-1", sessions[0].DeviceID)
	assert.Empty(t, sessions[0].Content)
}

func TestUpdateReplacesContent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	r := transcript.Start(ctx, store, "dev-1")
	var acc strings.Builder
	for _, chunk := range []string{"Espruino", " 2v19", "\r\n>"} {
		acc.WriteString(chunk)
		r.Update(acc.String())
	}
	r.Close()

	sessions, err := store.SessionsForDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Espruino 2v19\r\n>", sessions[0].Content)
}

func TestUpdateAfterCloseIgnored(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	r := transcript.Start(ctx, store, "dev-1")
	r.Update("kept")
	r.Close()
	r.Update("dropped")
	r.Close()

	sessions, _ := store.SessionsForDevice(ctx, "dev-1")
	require.Len(t, sessions, 1)
	assert.Equal(t, "kept", sessions[0].Content)
}

func TestPreviousJoinsEarlierSessionsInCreationOrder(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now()

	// Inserted out of creation order, with an empty visit in between.
	late, _ := store.CreateSession(ctx, "dev-1", now.Add(-time.Minute))
	early, _ := store.CreateSession(ctx, "dev-1", now.Add(-time.Hour))
	store.CreateSession(ctx, "dev-1", now.Add(-30*time.Minute))
	other, _ := store.CreateSession(ctx, "dev-2", now.Add(-2*time.Hour))
	store.UpdateSessionContent(ctx, late, "second")
	store.UpdateSessionContent(ctx, early, "first")
	store.UpdateSessionContent(ctx, other, "not mine")

	r := transcript.Start(ctx, store, "dev-1", transcript.WithClock(func() time.Time { return now }))
	defer r.Close()

	assert.Equal(t, "first\nsecond", waitPrevious(t, r))
}

func TestPreviousExcludesCurrentSession(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := transcript.Start(ctx, store, "dev-1")
	first.Update("visit one")
	first.Close()

	second := transcript.Start(ctx, store, "dev-1")
	second.Update("visit two")
	prev := waitPrevious(t, second)
	second.Close()

	assert.Equal(t, "visit one", prev)
}

func TestPreviousNotReadyBeforeLoad(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	r := transcript.Start(context.Background(), store, "dev-1")

	_, ok := r.Previous()
	assert.False(t, ok)

	close(store.release)
	assert.Equal(t, "", waitPrevious(t, r))
	r.Close()
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	store := &failingStore{}
	r := transcript.Start(context.Background(), store, "dev-1")

	assert.NotPanics(t, func() {
		r.Update("lost")
		r.Close()
	})
	assert.Zero(t, r.SessionID())
	prev, ok := r.Previous()
	assert.True(t, ok)
	assert.Empty(t, prev)
}

func TestWritesAreSerialized(t *testing.T) {
	store := &slowStore{}
	r := transcript.Start(context.Background(), store, "dev-1")

	var acc strings.Builder
	for i := 0; i < 50; i++ {
		acc.WriteString("x")
		r.Update(acc.String())
	}
	r.Close()

	assert.Equal(t, 1, store.maxConcurrent)
	assert.Equal(t, strings.Repeat("x", 50), store.last)
}

type failingStore struct{}

func (failingStore) CreateSession(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

func (failingStore) UpdateSessionContent(context.Context, int64, string) error {
	return errors.New("disk full")
}

func (failingStore) SessionsForDevice(context.Context, string) ([]db.Session, error) {
	return nil, errors.New("disk full")
}

type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) CreateSession(context.Context, string, time.Time) (int64, error) {
	return 1, nil
}

func (s *blockingStore) UpdateSessionContent(context.Context, int64, string) error { return nil }

func (s *blockingStore) SessionsForDevice(context.Context, string) ([]db.Session, error) {
	<-s.release
	return nil, nil
}

type slowStore struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
	last          string
}

func (s *slowStore) CreateSession(context.Context, string, time.Time) (int64, error) {
	return 7, nil
}

func (s *slowStore) UpdateSessionContent(_ context.Context, _ int64, content string) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxConcurrent {
		s.maxConcurrent = s.active
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.active--
	s.last = content
	s.mu.Unlock()
	return nil
}

func (s *slowStore) SessionsForDevice(context.Context, string) ([]db.Session, error) {
	return nil, nil
}
