// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/chat/internal/domain"
	"github.com/xiaot623/gogo/chat/internal/registry"
	"github.com/xiaot623/gogo/chat/internal/store"
)

// NewTestSQLiteStore opens an in-memory store closed at the end of the test.
func NewTestSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedUsers syncs users with the given ids into s.
func SeedUsers(t *testing.T, s store.UserDirectory, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.UpsertUser(context.Background(), domain.User{ID: id, Username: "user" + id}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

// NewRunningHub starts a hub stopped at the end of the test.
func NewRunningHub(t *testing.T) *registry.Hub {
	t.Helper()

	h := registry.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})

	return h
}
