package metrics

import (
	"sync"
	"time"
)

// Run results
const (
	RunComplete = "complete"
	// RunNoData marks a run where a throughput phase produced no sample
	RunNoData  = "no_data"
	RunAborted = "aborted"
)

const defaultHistorySize = 20

// EndpointStats tracks stats for a specific endpoint
type EndpointStats struct {
	Endpoint   string    `json:"endpoint"`
	TotalCalls int       `json:"total_calls"`
	LastCalled time.Time `json:"last_called"`
}

// RunSummary is the condensed outcome of one speed test kept in the history.
type RunSummary struct {
	ID              string    `json:"id"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	PingMs          int       `json:"ping_ms"`
	DownloadMaxMbps float64   `json:"download_max_mbps"`
	UploadMaxMbps   float64   `json:"upload_max_mbps"`
	Result          string    `json:"result"`
}

// StatsResponse represents the response structure for the /stats.json endpoint.
// Response data is copied in via the mutex for safety.
type StatsResponse struct {
	IncomingAPICalls map[string]*EndpointStats            `json:"incoming_api_calls"`
	OutgoingAPICalls map[string]map[string]*EndpointStats `json:"outgoing_api_calls"`
	// Failures is keyed by phase, then by error kind
	Failures         map[string]map[string]int `json:"failures"`
	RecentRuns       []RunSummary              `json:"recent_runs"`
	ApplicationStart time.Time                 `json:"application_start"`
	LastUpdated      time.Time                 `json:"last_updated"`
}

// Collector tracks API call metrics and the most recent runs. Every record is
// also forwarded to the Prometheus vectors.
type Collector struct {
	mu               sync.RWMutex
	incomingCalls    map[string]*EndpointStats
	outgoingCalls    map[string]map[string]*EndpointStats
	failures         map[string]map[string]int
	runs             []RunSummary
	historySize      int
	applicationStart time.Time
	lastUpdated      time.Time
}

// NewCollector creates a new metrics collector keeping the last historySize
// runs. A non-positive size falls back to 20.
func NewCollector(historySize int) *Collector {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	now := time.Now()
	return &Collector{
		incomingCalls:    make(map[string]*EndpointStats),
		outgoingCalls:    make(map[string]map[string]*EndpointStats),
		failures:         make(map[string]map[string]int),
		historySize:      historySize,
		applicationStart: now,
		lastUpdated:      now,
	}
}

// RecordIncomingCall records an API call made to this service
func (c *Collector) RecordIncomingCall(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.incomingCalls[endpoint]
	if !exists {
		stats = &EndpointStats{
			Endpoint: endpoint,
		}
		c.incomingCalls[endpoint] = stats
	}

	stats.TotalCalls++
	stats.LastCalled = time.Now()
	c.lastUpdated = time.Now()
}

// RecordOutgoingCall records a request made by a measurement phase to an
// external host
func (c *Collector) RecordOutgoingCall(phase string, endpoint string) {
	Requests.WithLabelValues(phase).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outgoingCalls[phase]; !exists {
		c.outgoingCalls[phase] = make(map[string]*EndpointStats)
	}

	stats, exists := c.outgoingCalls[phase][endpoint]
	if !exists {
		stats = &EndpointStats{
			Endpoint: endpoint,
		}
		c.outgoingCalls[phase][endpoint] = stats
	}

	stats.TotalCalls++
	stats.LastCalled = time.Now()
	c.lastUpdated = time.Now()
}

// RecordFailure counts a failed request of the given error kind
func (c *Collector) RecordFailure(phase string, kind string) {
	ProbeErrors.WithLabelValues(phase, kind).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.failures[phase]; !exists {
		c.failures[phase] = make(map[string]int)
	}
	c.failures[phase][kind]++
	c.lastUpdated = time.Now()
}

// RecordSample observes one sample. Samples are only exported to Prometheus.
func (c *Collector) RecordSample(kind string, value float64) {
	Samples.WithLabelValues(kind).Observe(value)
}

// RecordRun appends a finished run to the history, dropping the oldest entry
// once the history is full
func (c *Collector) RecordRun(run RunSummary) {
	Runs.WithLabelValues(run.Result).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs = append(c.runs, run)
	if len(c.runs) > c.historySize {
		c.runs = append([]RunSummary(nil), c.runs[len(c.runs)-c.historySize:]...)
	}
	c.lastUpdated = time.Now()
}

// RunStarted marks a run in progress until the matching RunFinished
func (c *Collector) RunStarted() {
	ActiveRuns.Inc()
}

func (c *Collector) RunFinished() {
	ActiveRuns.Dec()
}

// GetStats returns a copy of everything collected so far
func (c *Collector) GetStats() StatsResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := StatsResponse{
		IncomingAPICalls: make(map[string]*EndpointStats),
		OutgoingAPICalls: make(map[string]map[string]*EndpointStats),
		Failures:         make(map[string]map[string]int),
		RecentRuns:       make([]RunSummary, len(c.runs)),
		ApplicationStart: c.applicationStart,
		LastUpdated:      c.lastUpdated,
	}

	for endpoint, stats := range c.incomingCalls {
		copied := *stats
		response.IncomingAPICalls[endpoint] = &copied
	}

	for phase, endpoints := range c.outgoingCalls {
		response.OutgoingAPICalls[phase] = make(map[string]*EndpointStats)
		for endpoint, stats := range endpoints {
			copied := *stats
			response.OutgoingAPICalls[phase][endpoint] = &copied
		}
	}

	for phase, kinds := range c.failures {
		response.Failures[phase] = make(map[string]int)
		for kind, count := range kinds {
			response.Failures[phase][kind] = count
		}
	}

	copy(response.RecentRuns, c.runs)

	return response
}

// Reset clears all collected metrics. Prometheus counters are left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.incomingCalls = make(map[string]*EndpointStats)
	c.outgoingCalls = make(map[string]map[string]*EndpointStats)
	c.failures = make(map[string]map[string]int)
	c.runs = nil
	c.lastUpdated = time.Now()
}
