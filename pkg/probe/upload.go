package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"netprobe/pkg/config"
)

const (
	uploadFieldName = "file"
	uploadFileName  = "test.bin"
)

// UploadSampler measures upload throughput by posting a fixed-size random
// payload as multipart form data, back to back, for a fixed duration.
type UploadSampler struct {
	config       config.UploadConfig
	failureDelay time.Duration
	requestGrace time.Duration
	httpClient   *http.Client
	clock        Clock
	recorder     Recorder
	rand         *rand.Rand
	logger       *slog.Logger
}

func NewUploadSampler(cfg config.ProbeConfig, logger *slog.Logger) *UploadSampler {
	return &UploadSampler{
		config:       cfg.Upload,
		failureDelay: cfg.FailureDelay,
		requestGrace: cfg.RequestGrace,
		httpClient:   &http.Client{},
		clock:        SystemClock{},
		recorder:     nopRecorder{},
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       logger.With("sampler", KindUpload),
	}
}

// WithClock replaces the wall-clock source
func (u *UploadSampler) WithClock(clock Clock) *UploadSampler {
	u.clock = clock
	return u
}

// WithTransport replaces the HTTP transport
func (u *UploadSampler) WithTransport(rt http.RoundTripper) *UploadSampler {
	u.httpClient.Transport = rt
	return u
}

// WithRecorder attaches a metrics recorder
func (u *UploadSampler) WithRecorder(r Recorder) *UploadSampler {
	u.recorder = r
	return u
}

// Run posts payloads until duration has passed since start. Each completed
// round trip yields one sample. Failures are logged and retried after the
// failure delay.
func (u *UploadSampler) Run(ctx context.Context, start time.Time, duration time.Duration, reporter Reporter) ThroughputResult {
	series := NewSeries()
	pacer := newFailurePacer(u.failureDelay, u.clock)
	deadline := start.Add(duration)

	var posts, failures int
	for u.clock.Now().Sub(start) < duration && ctx.Err() == nil {
		posts++
		speed, err := u.post(ctx, start, duration)
		if err != nil {
			failures++
			u.recorder.RecordFailure(string(KindUpload), string(err.Kind))
			u.logger.Warn("Upload failed", "kind", err.Kind, "error", err.Err)

			if waitErr := pacer.Wait(ctx, deadline); waitErr != nil {
				break
			}
			continue
		}
		if speed <= 0 {
			if waitErr := pacer.Wait(ctx, deadline); waitErr != nil {
				break
			}
			continue
		}

		series.Append(speed)
		u.recorder.RecordSample(string(KindUpload), speed)
		reporter.Report(KindUpload, speed, millis(u.clock.Now().Sub(start)), millis(duration))
	}

	result := newThroughputResult(series)
	result.Fetches = posts
	result.Failures = failures

	u.logger.Info("Upload phase completed",
		"samples", result.Stats.Count,
		"posts", posts,
		"failures", failures,
		"max_mbps", fmt.Sprintf("%.2f", result.Stats.Max))

	return result
}

// post sends one payload and returns the observed throughput in Mbps. A
// round trip too short for the clock to measure returns 0.
func (u *UploadSampler) post(ctx context.Context, start time.Time, duration time.Duration) (float64, *ProbeError) {
	body, contentType, err := u.buildPayload()
	if err != nil {
		return 0, newProbeError(KindUpload, ErrPayload, err)
	}

	remaining := duration - u.clock.Now().Sub(start)
	postCtx, cancel := context.WithTimeout(ctx, remaining+u.requestGrace)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, u.config.URL, body)
	if err != nil {
		return 0, newProbeError(KindUpload, ErrPayload, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	u.recorder.RecordOutgoingCall(string(KindUpload), req.URL.Host)

	postStart := u.clock.Now()
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return 0, newProbeError(KindUpload, ErrNetwork, err)
	}
	elapsed := u.clock.Now().Sub(postStart)
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, newProbeError(KindUpload, ErrStatus, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redactURL(req.URL)))
	}

	if elapsed <= 0 {
		return 0, nil
	}

	return megabitsPerSecond(int64(u.config.PayloadSize), elapsed), nil
}

// buildPayload wraps PayloadSize random bytes in a single-file multipart form.
func (u *UploadSampler) buildPayload() (*bytes.Buffer, string, error) {
	chunk := make([]byte, u.config.PayloadSize)
	_, _ = u.rand.Read(chunk)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(uploadFieldName, uploadFileName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
