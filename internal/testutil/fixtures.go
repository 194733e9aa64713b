// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/HerbHall/routerwatch/internal/store"
	"github.com/HerbHall/routerwatch/internal/watchdog"
)

// Now is the fixed reference time used by fixtures.
var Now = time.Date(2024, 6, 15, 18, 30, 0, 0, time.UTC)

// NewStore opens an in-memory SQLite store closed at test cleanup.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewEvent returns an event of kind stamped at Now.
// Override individual fields with options as needed.
func NewEvent(kind watchdog.Kind, opts ...func(*watchdog.Event)) watchdog.Event {
	ev := watchdog.Event{Kind: kind, Timestamp: Now}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// Ago shifts the event timestamp d before Now.
func Ago(d time.Duration) func(*watchdog.Event) {
	return func(ev *watchdog.Event) { ev.Timestamp = Now.Add(-d) }
}

// WithValue sets the event value (bits per second for download_test).
func WithValue(v float64) func(*watchdog.Event) {
	return func(ev *watchdog.Event) { ev.Value = v }
}
