// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
)

// NewTestDB creates a migrated in-memory SQLite store closed at test end
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()

	ctx := context.Background()
	store, err := db.Open(ctx, db.Config{Driver: db.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// Call is one recorded gateway invocation
type Call struct {
	SchoolID string
	Source   connector.Source
	Endpoint connector.Endpoint
}

// FakeGateway is a scriptable connector.Gateway. By default every call
// succeeds with one record.
type FakeGateway struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	panics   map[string]bool
	records  int
	gate     chan struct{}
	started  chan Call
}

// NewFakeGateway creates a gateway where every call succeeds
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		failures: make(map[string]error),
		panics:   make(map[string]bool),
		records:  1,
	}
}

func key(schoolID string, ep connector.Endpoint) string {
	return schoolID + "/" + string(ep)
}

// FailOn makes calls for schoolID's endpoint return err
func (g *FakeGateway) FailOn(schoolID string, ep connector.Endpoint, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[key(schoolID, ep)] = err
}

// PanicOn makes calls for schoolID's endpoint panic
func (g *FakeGateway) PanicOn(schoolID string, ep connector.Endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panics[key(schoolID, ep)] = true
}

// SetRecords sets the record count returned by successful calls
func (g *FakeGateway) SetRecords(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = n
}

// Hold blocks every call until Release is called. Each blocked call is
// announced on the returned channel.
func (g *FakeGateway) Hold() <-chan Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.started = make(chan Call, 1024)
	return g.started
}

// Release unblocks held calls
func (g *FakeGateway) Release() {
	g.mu.Lock()
	gate := g.gate
	g.gate = nil
	g.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Sync implements connector.Gateway
func (g *FakeGateway) Sync(ctx context.Context, school connector.School, ep connector.Endpoint) (connector.Result, error) {
	call := Call{SchoolID: school.ID, Source: school.Source, Endpoint: ep}

	g.mu.Lock()
	g.calls = append(g.calls, call)
	gate, started := g.gate, g.started
	err := g.failures[key(school.ID, ep)]
	panics := g.panics[key(school.ID, ep)]
	records := g.records
	g.mu.Unlock()

	if gate != nil {
		started <- call
		select {
		case <-gate:
		case <-ctx.Done():
			return connector.Result{}, ctx.Err()
		}
	}

	if panics {
		panic(fmt.Sprintf("fake gateway panic for %s", key(school.ID, ep)))
	}
	if err != nil {
		return connector.Result{}, err
	}
	return connector.Result{Records: records}, nil
}

// Calls returns a copy of every call made so far
func (g *FakeGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsFor returns the endpoints called for schoolID, in order
func (g *FakeGateway) CallsFor(schoolID string) []connector.Endpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	var eps []connector.Endpoint
	for _, c := range g.calls {
		if c.SchoolID == schoolID {
			eps = append(eps, c.Endpoint)
		}
	}
	return eps
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// NewTestLogger returns a logger whose entries can be inspected
func NewTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// WaitFor polls cond until it holds or the timeout elapses
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}
