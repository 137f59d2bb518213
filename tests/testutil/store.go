package testutil

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/mailsift/mailsift/internal/store"
)

// NewTestTracker creates an in-memory Tracker with all migrations applied.
// It automatically closes the tracker when the test completes.
func NewTestTracker(t *testing.T) *store.Tracker {
	t.Helper()

	tr, err := store.NewTracker(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("creating test tracker: %v", err)
	}

	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("closing test tracker: %v", err)
		}
	})

	return tr
}

// NewTestFileStore creates a FileStore rooted in a fresh temp directory.
func NewTestFileStore(t *testing.T) *store.FileStore {
	t.Helper()

	fs, err := store.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating test file store: %v", err)
	}
	return fs
}
