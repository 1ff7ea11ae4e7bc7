package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"netprobe/pkg/config"
)

var errEmptyBody = errors.New("empty response body")

// ThroughputResult is the terminal statistic of a download or upload phase.
type ThroughputResult struct {
	Stats Stats `json:"stats" yaml:"stats"`
	// Smoothed is the moving average of the samples, 0 without samples
	Smoothed float64 `json:"smoothed_mbps" yaml:"smoothed_mbps"`
	Fetches  int     `json:"fetches" yaml:"fetches"`
	Failures int     `json:"failures" yaml:"failures"`
	// Tier is the last download tier used; empty for uploads
	Tier string `json:"tier,omitempty" yaml:"tier,omitempty"`
}

func newThroughputResult(series *Series) ThroughputResult {
	result := ThroughputResult{Stats: series.Stats()}
	if smoothed := series.Smoothed(); !math.IsNaN(smoothed) {
		result.Smoothed = smoothed
	}
	return result
}

// DownloadSampler measures download throughput by streaming test payloads
// for a fixed wall-clock duration. The payload grows from the small to the
// large tier as observed throughput crosses the configured thresholds.
type DownloadSampler struct {
	config       config.DownloadConfig
	failureDelay time.Duration
	requestGrace time.Duration
	httpClient   *http.Client
	clock        Clock
	recorder     Recorder
	rand         *rand.Rand
	logger       *slog.Logger
}

func NewDownloadSampler(cfg config.ProbeConfig, logger *slog.Logger) *DownloadSampler {
	return &DownloadSampler{
		config:       cfg.Download,
		failureDelay: cfg.FailureDelay,
		requestGrace: cfg.RequestGrace,
		httpClient:   &http.Client{},
		clock:        SystemClock{},
		recorder:     nopRecorder{},
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       logger.With("sampler", KindDownload),
	}
}

// WithClock replaces the wall-clock source
func (d *DownloadSampler) WithClock(clock Clock) *DownloadSampler {
	d.clock = clock
	return d
}

// WithTransport replaces the HTTP transport
func (d *DownloadSampler) WithTransport(rt http.RoundTripper) *DownloadSampler {
	d.httpClient.Transport = rt
	return d
}

// WithRecorder attaches a metrics recorder
func (d *DownloadSampler) WithRecorder(r Recorder) *DownloadSampler {
	d.recorder = r
	return d
}

// downloadRun is the state of one Run call. It is discarded when Run returns.
type downloadRun struct {
	start    time.Time
	duration time.Duration
	series   *Series
	policy   *TierPolicy
	reporter Reporter
	buf      []byte
}

func (r *downloadRun) elapsed(clock Clock) time.Duration {
	return clock.Now().Sub(r.start)
}

// Run downloads payloads back to back until duration has passed since start,
// sampling throughput at every chunk. Failed fetches are logged and retried
// after the failure delay. Run never returns an error; an empty run yields
// undefined Stats.
func (d *DownloadSampler) Run(ctx context.Context, start time.Time, duration time.Duration, reporter Reporter) ThroughputResult {
	run := &downloadRun{
		start:    start,
		duration: duration,
		series:   NewSeries(),
		policy:   NewTierPolicy(d.config),
		reporter: reporter,
		buf:      make([]byte, d.config.BufferSize),
	}
	pacer := newFailurePacer(d.failureDelay, d.clock)
	deadline := start.Add(duration)

	var fetches, failures int
	for run.elapsed(d.clock) < duration && ctx.Err() == nil {
		fetches++
		before := run.series.Len()

		err := d.fetch(ctx, run)
		if err != nil {
			failures++
			d.recorder.RecordFailure(string(KindDownload), string(err.Kind))
			d.logger.Warn("Download fetch failed", "tier", run.policy.Tier(), "kind", err.Kind, "error", err.Err)
		}

		// a fetch that yielded no sample is paced like a failure
		if err != nil || run.series.Len() == before {
			if waitErr := pacer.Wait(ctx, deadline); waitErr != nil {
				break
			}
		}
	}

	result := newThroughputResult(run.series)
	result.Fetches = fetches
	result.Failures = failures
	result.Tier = run.policy.Tier().String()

	d.logger.Info("Download phase completed",
		"samples", result.Stats.Count,
		"fetches", fetches,
		"failures", failures,
		"tier", result.Tier,
		"max_mbps", fmt.Sprintf("%.2f", result.Stats.Max))

	return result
}

// fetch streams one payload. It returns early without error when the tier
// escalates or the phase duration runs out mid-body.
func (d *DownloadSampler) fetch(ctx context.Context, run *downloadRun) *ProbeError {
	tier := run.policy.Tier()

	target, err := d.cacheBusted(tierURL(d.config.URLs, tier))
	if err != nil {
		return newProbeError(KindDownload, ErrPayload, err)
	}

	remaining := run.duration - run.elapsed(d.clock)
	fetchCtx, cancel := context.WithTimeout(ctx, remaining+d.requestGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return newProbeError(KindDownload, ErrPayload, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	d.recorder.RecordOutgoingCall(string(KindDownload), req.URL.Host)

	fetchStart := d.clock.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return newProbeError(KindDownload, ErrNetwork, err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newProbeError(KindDownload, ErrStatus, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redactURL(req.URL)))
	}

	var received int64
	for {
		n, readErr := resp.Body.Read(run.buf)
		if n > 0 {
			received += int64(n)
			now := d.clock.Now()

			if sinceFetch := now.Sub(fetchStart); sinceFetch > 0 {
				speed := megabitsPerSecond(received, sinceFetch)
				run.series.Append(speed)
				d.recorder.RecordSample(string(KindDownload), speed)
				run.reporter.Report(KindDownload, speed, millis(now.Sub(run.start)), millis(run.duration))

				if next := run.policy.Observe(run.series.Len(), speed); next != tier {
					d.logger.Info("Escalating download tier", "from", tier, "to", next, "last_mbps", speed)
					return nil
				}
			}

			if now.Sub(run.start) >= run.duration {
				return nil
			}
		}

		if errors.Is(readErr, io.EOF) {
			if received == 0 {
				return newProbeError(KindDownload, ErrStream, errEmptyBody)
			}
			return nil
		}
		if readErr != nil {
			if run.elapsed(d.clock) >= run.duration {
				return nil
			}
			return newProbeError(KindDownload, ErrStream, readErr)
		}
	}
}

// cacheBusted appends a random r query parameter so no cache can answer.
func (d *DownloadSampler) cacheBusted(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	q := u.Query()
	q.Set("r", strconv.FormatFloat(d.rand.Float64(), 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// failurePacer spaces out attempts that follow a failure so a dead
// endpoint cannot be hammered in a tight loop. The limiter runs on the
// sampler's clock.
type failurePacer struct {
	limiter *rate.Limiter
	clock   Clock
}

func newFailurePacer(delay time.Duration, clock Clock) *failurePacer {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &failurePacer{limiter: rate.NewLimiter(limit, 1), clock: clock}
}

// Wait blocks until the next attempt may start, but never past deadline.
func (p *failurePacer) Wait(ctx context.Context, deadline time.Time) error {
	now := p.clock.Now()
	delay := p.limiter.ReserveN(now, 1).DelayFrom(now)
	if remaining := deadline.Sub(now); delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return ctx.Err()
	}
	return p.clock.Sleep(ctx, delay)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
