package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"netprobe/pkg/config"
)

var coloRegexp = regexp.MustCompile(`[A-Z]{3}`)

// PingResult is the terminal statistic of the ping phase.
type PingResult struct {
	// MeanMs is the rounded mean of successful probes, 0 when none succeeded
	MeanMs    int    `json:"mean_ms" yaml:"mean_ms"`
	Samples   []int  `json:"samples_ms" yaml:"samples_ms"`
	Succeeded int    `json:"succeeded" yaml:"succeeded"`
	Failed    int    `json:"failed" yaml:"failed"`
	Colo      string `json:"colo,omitempty" yaml:"colo,omitempty"`
}

// PingSampler measures HTTP round-trip latency with a fixed number of
// sequential, cache-bypassing probes.
type PingSampler struct {
	config     config.PingConfig
	httpClient *http.Client
	clock      Clock
	recorder   Recorder
	logger     *slog.Logger
}

func NewPingSampler(cfg config.PingConfig, logger *slog.Logger) *PingSampler {
	return &PingSampler{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		clock:    SystemClock{},
		recorder: nopRecorder{},
		logger:   logger.With("sampler", KindPing),
	}
}

// WithClock replaces the wall-clock source
func (p *PingSampler) WithClock(clock Clock) *PingSampler {
	p.clock = clock
	return p
}

// WithTransport replaces the HTTP transport, keeping the configured timeout
func (p *PingSampler) WithTransport(rt http.RoundTripper) *PingSampler {
	p.httpClient.Transport = rt
	return p
}

// WithRecorder attaches a metrics recorder
func (p *PingSampler) WithRecorder(r Recorder) *PingSampler {
	p.recorder = r
	return p
}

// Run performs the configured number of probes and returns their rounded
// mean. Failed probes are logged and left out of the mean. The inter-probe
// delay follows every probe whatever its outcome. Run stops early only when
// ctx is done.
func (p *PingSampler) Run(ctx context.Context, reporter Reporter) PingResult {
	result := PingResult{Samples: make([]int, 0, p.config.Count)}
	total := 0

	for i := 0; i < p.config.Count; i++ {
		ms, colo, err := p.probe(ctx)
		if err != nil {
			result.Failed++
			p.recorder.RecordFailure(string(KindPing), string(err.Kind))
			p.logger.Warn("Ping probe failed", "probe", i+1, "kind", err.Kind, "error", err.Err)
		} else {
			result.Samples = append(result.Samples, ms)
			result.Succeeded++
			total += ms
			if colo != "" {
				result.Colo = colo
			}
			p.recorder.RecordSample(string(KindPing), float64(ms))
			reporter.Report(KindPing, float64(ms), float64(i+1), float64(p.config.Count))
		}

		if sleepErr := p.clock.Sleep(ctx, p.config.Interval); sleepErr != nil {
			p.logger.Debug("Ping phase cancelled", "error", sleepErr)
			break
		}
	}

	if result.Succeeded > 0 {
		result.MeanMs = int(math.Round(float64(total) / float64(result.Succeeded)))
	}

	p.logger.Info("Ping phase completed",
		"mean_ms", result.MeanMs,
		"succeeded", result.Succeeded,
		"failed", result.Failed)

	return result
}

// probe issues one GET and returns the elapsed wall-clock time in whole
// milliseconds.
func (p *PingSampler) probe(ctx context.Context) (int, string, *ProbeError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return 0, "", newProbeError(KindPing, ErrPayload, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")

	p.recorder.RecordOutgoingCall(string(KindPing), req.URL.Host)

	start := p.clock.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, "", newProbeError(KindPing, ErrNetwork, err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, "", newProbeError(KindPing, ErrStatus, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redactURL(req.URL)))
	}

	elapsed := p.clock.Now().Sub(start)
	_, _ = io.Copy(io.Discard, resp.Body)

	return int(math.Round(float64(elapsed) / float64(time.Millisecond))), headerColo(resp.Header), nil
}

// headerColo extracts the three-letter data-centre code from a cf-ray header,
// e.g. "7bd32409eda7b020-SJC".
func headerColo(header http.Header) string {
	ray := header.Get("cf-ray")
	if ray == "" {
		return ""
	}
	return coloRegexp.FindString(ray)
}

// redactURL drops the query string, which may carry cache-busting noise or
// credentials.
func redactURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}
