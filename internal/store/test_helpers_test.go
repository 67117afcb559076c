package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore opens a fresh journal in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession writes a performer session and returns its id.
func createTestSession(t *testing.T, s *Store, id string) string {
	t.Helper()
	err := s.WriteSession(context.Background(), SessionRecord{
		ID:        id,
		Role:      "performer",
		ClientID:  3,
		StartedAt: 10,
	})
	if err != nil {
		t.Fatalf("WriteSession() failed: %v", err)
	}
	return id
}
