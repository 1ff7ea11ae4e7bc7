// Package runner sequences one speed test: ping, then download, then upload.
// It owns the busy/idle state of the page, writes placeholders and final
// results to the display, and keeps the result of the last completed run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"netprobe/pkg/display"
	"netprobe/pkg/metrics"
	"netprobe/pkg/probe"
)

// State is the phase the orchestrator is in.
type State string

const (
	Idle            State = "idle"
	RunningPing     State = "running_ping"
	RunningDownload State = "running_download"
	RunningUpload   State = "running_upload"
)

// Display texts
const (
	ResetText       = "-"
	NotAvailable    = "N/A"
	MeasuringPing   = "Measuring ping..."
	MeasuringDown   = "Measuring download..."
	MeasuringUpload = "Measuring upload..."
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("a speed test is already running")

// Surface is the display the orchestrator drives. It is satisfied by
// *display.Board.
type Surface interface {
	probe.Reporter
	SetText(id, text string)
	SetProgress(fraction float64)
	ShowProgress(visible bool)
	SetTriggerEnabled(enabled bool)
}

// PingSampler is satisfied by *probe.PingSampler.
type PingSampler interface {
	Run(ctx context.Context, reporter probe.Reporter) probe.PingResult
}

// ThroughputSampler is satisfied by *probe.DownloadSampler and
// *probe.UploadSampler.
type ThroughputSampler interface {
	Run(ctx context.Context, start time.Time, duration time.Duration, reporter probe.Reporter) probe.ThroughputResult
}

// RunRecorder receives run accounting. It is satisfied by *metrics.Collector.
type RunRecorder interface {
	RunStarted()
	RunFinished()
	RecordRun(run metrics.RunSummary)
}

type nopRunRecorder struct{}

func (nopRunRecorder) RunStarted()                 {}
func (nopRunRecorder) RunFinished()                {}
func (nopRunRecorder) RecordRun(metrics.RunSummary) {}

// RunResult is the outcome of one complete speed test.
type RunResult struct {
	ID       string                 `json:"id" yaml:"id"`
	Started  time.Time              `json:"started" yaml:"started"`
	Finished time.Time              `json:"finished" yaml:"finished"`
	Ping     probe.PingResult       `json:"ping" yaml:"ping"`
	Download probe.ThroughputResult `json:"download" yaml:"download"`
	Upload   probe.ThroughputResult `json:"upload" yaml:"upload"`
	// Aborted is set when the run was cancelled before the upload phase ended
	Aborted bool `json:"aborted,omitempty" yaml:"aborted,omitempty"`
}

// Outcome classifies the run for metrics.
func (r *RunResult) Outcome() string {
	switch {
	case r.Aborted:
		return metrics.RunAborted
	case !r.Download.Stats.Valid() || !r.Upload.Stats.Valid():
		return metrics.RunNoData
	default:
		return metrics.RunComplete
	}
}

func (r *RunResult) summary() metrics.RunSummary {
	return metrics.RunSummary{
		ID:              r.ID,
		Started:         r.Started,
		Finished:        r.Finished,
		PingMs:          r.Ping.MeanMs,
		DownloadMaxMbps: validOrZero(r.Download.Stats.Max, r.Download.Stats),
		UploadMaxMbps:   validOrZero(r.Upload.Stats.Max, r.Upload.Stats),
		Result:          r.Outcome(),
	}
}

// Orchestrator runs at most one speed test at a time.
type Orchestrator struct {
	ping     PingSampler
	download ThroughputSampler
	upload   ThroughputSampler
	surface  Surface
	duration time.Duration
	clock    probe.Clock
	recorder RunRecorder
	logger   *slog.Logger

	mu      sync.RWMutex
	state   State
	running bool
	last    *RunResult

	// background runs started with Start
	wg sync.WaitGroup
}

// New creates an orchestrator whose timed phases each last duration.
func New(ping PingSampler, download, upload ThroughputSampler, surface Surface, duration time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ping:     ping,
		download: download,
		upload:   upload,
		surface:  surface,
		duration: duration,
		clock:    probe.SystemClock{},
		recorder: nopRunRecorder{},
		logger:   logger,
		state:    Idle,
	}
}

// WithClock replaces the wall-clock source
func (o *Orchestrator) WithClock(clock probe.Clock) *Orchestrator {
	o.clock = clock
	return o
}

// WithRecorder attaches a run recorder
func (o *Orchestrator) WithRecorder(r RunRecorder) *Orchestrator {
	o.recorder = r
	return o
}

// State returns the current phase
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Last returns the most recent completed run, if any
func (o *Orchestrator) Last() (*RunResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil, false
	}
	result := *o.last
	return &result, true
}

// Run performs one speed test and blocks until it is done. It returns ErrBusy
// when another run is in progress.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	return o.run(ctx, uuid.NewString()), nil
}

// Start begins a speed test in the background and returns its ID. It returns
// ErrBusy when another run is in progress. A panic during the run is logged
// and the run is recorded as aborted.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	if err := o.acquire(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// a panic here would otherwise end the process
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("Speed test panicked", "run_id", id, "panic", r)
			}
		}()
		o.run(ctx, id)
	}()
	return id, nil
}

// Wait blocks until every run started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	o.running = true
	return nil
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	o.logger.Debug("Speed test state changed", "state", state)
}

func (o *Orchestrator) run(ctx context.Context, id string) *RunResult {
	logger := o.logger.With("run_id", id)
	result := &RunResult{ID: id, Started: o.clock.Now()}

	o.recorder.RunStarted()
	o.enter()
	defer o.exit(result)

	logger.Info("Speed test started")

	o.setState(RunningPing)
	o.surface.SetText(display.PingValue, MeasuringPing)
	result.Ping = o.ping.Run(ctx, o.surface)
	o.surface.SetText(display.PingValue, strconv.Itoa(result.Ping.MeanMs))

	o.setState(RunningDownload)
	o.surface.SetText(display.DownloadValue, MeasuringDown)
	result.Download = o.download.Run(ctx, o.clock.Now(), o.duration, o.surface)
	o.writeThroughput(result.Download.Stats,
		display.DownloadValue, display.DownloadMinValue, display.DownloadAvgValue, display.DownloadMaxValue)

	o.setState(RunningUpload)
	o.surface.SetText(display.UploadValue, MeasuringUpload)
	result.Upload = o.upload.Run(ctx, o.clock.Now(), o.duration, o.surface)
	o.writeThroughput(result.Upload.Stats,
		display.UploadValue, display.UploadMinValue, display.UploadAvgValue, display.UploadMaxValue)

	result.Aborted = ctx.Err() != nil
	result.Finished = o.clock.Now()

	logger.Info("Speed test finished",
		"ping_ms", result.Ping.MeanMs,
		"download_max_mbps", formatMbps(result.Download.Stats.Max, result.Download.Stats),
		"upload_max_mbps", formatMbps(result.Upload.Stats.Max, result.Upload.Stats),
		"outcome", result.Outcome(),
		"duration", result.Finished.Sub(result.Started))

	return result
}

// enter disables the trigger, resets every result slot and shows the
// progress bar.
func (o *Orchestrator) enter() {
	o.surface.SetTriggerEnabled(false)
	for _, id := range []string{
		display.PingValue,
		display.DownloadValue, display.DownloadMinValue, display.DownloadAvgValue, display.DownloadMaxValue,
		display.UploadValue, display.UploadMinValue, display.UploadAvgValue, display.UploadMaxValue,
	} {
		o.surface.SetText(id, ResetText)
	}
	o.surface.SetProgress(0)
	o.surface.ShowProgress(true)
}

// exit always runs, even if a sampler panics: the page goes back to idle.
func (o *Orchestrator) exit(result *RunResult) {
	o.surface.ShowProgress(false)
	o.surface.SetTriggerEnabled(true)

	if result.Finished.IsZero() {
		result.Finished = o.clock.Now()
		result.Aborted = true
	}

	o.mu.Lock()
	o.state = Idle
	o.running = false
	o.last = result
	o.mu.Unlock()

	o.recorder.RecordRun(result.summary())
	o.recorder.RunFinished()
}

// writeThroughput writes the maximum to the headline slot and the aggregate
// to the min/avg/max slots, or N/A when no sample was taken.
func (o *Orchestrator) writeThroughput(stats probe.Stats, valueID, minID, avgID, maxID string) {
	o.surface.SetText(valueID, formatMbps(stats.Max, stats))
	o.surface.SetText(minID, formatMbps(stats.Min, stats))
	o.surface.SetText(avgID, formatMbps(stats.Avg, stats))
	o.surface.SetText(maxID, formatMbps(stats.Max, stats))
}

func formatMbps(v float64, stats probe.Stats) string {
	if !stats.Valid() {
		return NotAvailable
	}
	return fmt.Sprintf("%.2f", v)
}

func validOrZero(v float64, stats probe.Stats) float64 {
	if !stats.Valid() {
		return 0
	}
	return v
}
