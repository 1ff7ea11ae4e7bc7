// Package testutils provides shared testing utilities and fakes for the
// netprobe project: a manually advanced clock, a scriptable HTTP transport,
// and recorders for reporter and display traffic.
package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"netprobe/pkg/display"
	"netprobe/pkg/probe"
)

// QuietLogger returns a logger that only emits errors, to keep test output clean.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// FakeClock is a probe.Clock that only moves when told to. Sleep advances
// the clock instead of blocking.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock creates a clock frozen at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

var _ probe.Clock = (*FakeClock)(nil)

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// NewResponse builds a minimal response for a fake transport.
func NewResponse(req *http.Request, status int, body io.ReadCloser) *http.Response {
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       body,
		Request:    req,
	}
}

// ChunkedBody yields Chunks reads of ChunkSize bytes each, advancing Clock by
// Step before every read, then io.EOF.
type ChunkedBody struct {
	Clock     *FakeClock
	Step      time.Duration
	ChunkSize int
	Chunks    int

	mu     sync.Mutex
	served int
	closed bool
}

func (b *ChunkedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.served >= b.Chunks {
		return 0, io.EOF
	}
	b.Clock.Advance(b.Step)
	b.served++

	n := b.ChunkSize
	if n > len(p) {
		n = len(p)
	}
	return n, nil
}

func (b *ChunkedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Served returns how many chunks were read
func (b *ChunkedBody) Served() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.served
}

// Report is one call captured by RecordingReporter.
type Report struct {
	Kind    probe.Kind
	Value   float64
	Elapsed float64
	Total   float64
}

// RecordingReporter captures every sample passed to it.
type RecordingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *RecordingReporter) Report(kind probe.Kind, value, elapsed, total float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Kind: kind, Value: value, Elapsed: elapsed, Total: total})
}

// Reports returns a copy of the captured calls
func (r *RecordingReporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

var _ probe.Reporter = (*RecordingReporter)(nil)

// MockRecorder counts metrics calls made by the samplers.
type MockRecorder struct {
	mu       sync.Mutex
	Calls    map[string]int
	Failures map[string]int
	Samples  map[string]int
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Calls:    make(map[string]int),
		Failures: make(map[string]int),
		Samples:  make(map[string]int),
	}
}

func (m *MockRecorder) RecordOutgoingCall(phase string, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[phase]++
}

func (m *MockRecorder) RecordFailure(phase string, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[phase+"/"+kind]++
}

func (m *MockRecorder) RecordSample(kind string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Samples[kind]++
}

var _ probe.Recorder = (*MockRecorder)(nil)

// RecordingSurface is a display.Board that also keeps the history of every
// text written to a slot, including live sample updates.
type RecordingSurface struct {
	*display.Board

	mu     sync.Mutex
	writes map[string][]string
	events []string
}

func NewRecordingSurface() *RecordingSurface {
	return &RecordingSurface{
		Board:  display.NewBoard(),
		writes: make(map[string][]string),
	}
}

func (s *RecordingSurface) SetText(id, text string) {
	s.Board.SetText(id, text)
	s.record(id, text)
}

func (s *RecordingSurface) Report(kind probe.Kind, value, elapsed, total float64) {
	s.Board.Report(kind, value, elapsed, total)

	id := string(kind) + "Value"
	s.record(id, s.Board.Text(id))
}

func (s *RecordingSurface) ShowProgress(visible bool) {
	s.Board.ShowProgress(visible)
	s.event(fmt.Sprintf("progress:%t", visible))
}

func (s *RecordingSurface) SetTriggerEnabled(enabled bool) {
	s.Board.SetTriggerEnabled(enabled)
	s.event(fmt.Sprintf("trigger:%t", enabled))
}

func (s *RecordingSurface) record(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[id] = append(s.writes[id], text)
}

func (s *RecordingSurface) event(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Writes returns every text written to the slot, oldest first
func (s *RecordingSurface) Writes(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes[id]...)
}

// Events returns progress visibility and trigger changes in order, formatted
// as "progress:<bool>" and "trigger:<bool>"
func (s *RecordingSurface) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}
