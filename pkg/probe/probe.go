// Package probe implements the network measurements behind a speed test: an
// HTTP latency sampler, a streaming download sampler with adaptive payload
// size, and a multipart upload sampler. Samplers run sequentially, push every
// sample to a Reporter as soon as it is taken, and reduce the run to a
// terminal statistic.
package probe

import (
	"context"
	"fmt"
	"time"
)

// Kind tags a sample with the phase that produced it.
type Kind string

const (
	KindPing     Kind = "ping"
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Reporter receives every sample right after it is taken. elapsed and total
// share a unit: milliseconds for timed phases, probe counts for ping.
type Reporter interface {
	Report(kind Kind, value, elapsed, total float64)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(kind Kind, value, elapsed, total float64)

func (f ReporterFunc) Report(kind Kind, value, elapsed, total float64) {
	f(kind, value, elapsed, total)
}

// Discard is a Reporter that drops every sample.
var Discard Reporter = ReporterFunc(func(Kind, float64, float64, float64) {})

// Clock is the wall-clock source used for every timing decision.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the Clock backed by package time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Recorder receives per-request accounting from the samplers. It is satisfied
// by *metrics.Collector.
type Recorder interface {
	RecordOutgoingCall(phase string, endpoint string)
	RecordFailure(phase string, kind string)
	RecordSample(kind string, value float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutgoingCall(string, string) {}
func (nopRecorder) RecordFailure(string, string)      {}
func (nopRecorder) RecordSample(string, float64)      {}

// ErrorKind classifies a failed measurement request.
type ErrorKind string

const (
	// ErrNetwork covers DNS, connect, TLS and timeout failures.
	ErrNetwork ErrorKind = "network"
	// ErrStatus is a response outside the 2xx range.
	ErrStatus ErrorKind = "status"
	// ErrStream is a failure while reading a response body.
	ErrStream ErrorKind = "stream"
	// ErrPayload is a failure building the request.
	ErrPayload ErrorKind = "payload"
)

// ProbeError is a skipped measurement. Samplers log it and carry on.
type ProbeError struct {
	Phase Kind
	Kind  ErrorKind
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Phase, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

func newProbeError(phase Kind, kind ErrorKind, err error) *ProbeError {
	return &ProbeError{Phase: phase, Kind: kind, Err: err}
}

// megabitsPerSecond converts a byte count over a duration to Mbps, where a
// megabit is 1024*1024 bits.
func megabitsPerSecond(bytes int64, d time.Duration) float64 {
	return float64(bytes) * 8 / (1024 * 1024 * d.Seconds())
}
