package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(5)
	require.NotNil(t, collector)

	stats := collector.GetStats()
	assert.NotNil(t, stats.IncomingAPICalls)
	assert.NotNil(t, stats.OutgoingAPICalls)
	assert.NotNil(t, stats.Failures)
	assert.Empty(t, stats.RecentRuns)
	assert.False(t, stats.ApplicationStart.IsZero())
}

func TestRecordIncomingCall(t *testing.T) {
	collector := NewCollector(5)

	collector.RecordIncomingCall("/health")

	stats := collector.GetStats()
	assert.Len(t, stats.IncomingAPICalls, 1)
	assert.Contains(t, stats.IncomingAPICalls, "/health")
	assert.Equal(t, 1, stats.IncomingAPICalls["/health"].TotalCalls)
	assert.NotEqual(t, time.Time{}, stats.IncomingAPICalls["/health"].LastCalled)

	collector.RecordIncomingCall("/health")
	collector.RecordIncomingCall("/api/v1/run")

	stats = collector.GetStats()
	assert.Len(t, stats.IncomingAPICalls, 2)
	assert.Equal(t, 2, stats.IncomingAPICalls["/health"].TotalCalls)
	assert.Equal(t, 1, stats.IncomingAPICalls["/api/v1/run"].TotalCalls)
}

func TestRecordOutgoingCall(t *testing.T) {
	collector := NewCollector(5)
	before := testutil.ToFloat64(Requests.WithLabelValues("download"))

	collector.RecordOutgoingCall("ping", "www.cloudflare.com")
	collector.RecordOutgoingCall("download", "upload.wikimedia.org")
	collector.RecordOutgoingCall("download", "upload.wikimedia.org")

	stats := collector.GetStats()
	assert.Len(t, stats.OutgoingAPICalls, 2)
	assert.Equal(t, 1, stats.OutgoingAPICalls["ping"]["www.cloudflare.com"].TotalCalls)
	assert.Equal(t, 2, stats.OutgoingAPICalls["download"]["upload.wikimedia.org"].TotalCalls)

	assert.Equal(t, before+2, testutil.ToFloat64(Requests.WithLabelValues("download")))
}

func TestRecordFailure(t *testing.T) {
	collector := NewCollector(5)
	before := testutil.ToFloat64(ProbeErrors.WithLabelValues("upload", "network"))

	collector.RecordFailure("upload", "network")
	collector.RecordFailure("upload", "network")
	collector.RecordFailure("upload", "status")
	collector.RecordFailure("geo", "payload")

	stats := collector.GetStats()
	assert.Equal(t, 2, stats.Failures["upload"]["network"])
	assert.Equal(t, 1, stats.Failures["upload"]["status"])
	assert.Equal(t, 1, stats.Failures["geo"]["payload"])

	assert.Equal(t, before+2, testutil.ToFloat64(ProbeErrors.WithLabelValues("upload", "network")))
}

func TestRecordSample(t *testing.T) {
	collector := NewCollector(5)
	collector.RecordSample("ping", 15)
	collector.RecordSample("download", 93.5)

	// one series per kind
	assert.GreaterOrEqual(t, testutil.CollectAndCount(Samples), 2)
}

func TestRecordRun_KeepsMostRecent(t *testing.T) {
	collector := NewCollector(3)
	before := testutil.ToFloat64(Runs.WithLabelValues(RunComplete))

	for i := 1; i <= 5; i++ {
		collector.RecordRun(RunSummary{
			ID:     fmt.Sprintf("run-%d", i),
			PingMs: i,
			Result: RunComplete,
		})
	}

	stats := collector.GetStats()
	require.Len(t, stats.RecentRuns, 3)
	assert.Equal(t, "run-3", stats.RecentRuns[0].ID)
	assert.Equal(t, "run-5", stats.RecentRuns[2].ID)

	assert.Equal(t, before+5, testutil.ToFloat64(Runs.WithLabelValues(RunComplete)))
}

func TestNewCollector_DefaultHistory(t *testing.T) {
	collector := NewCollector(0)

	for i := 0; i < 25; i++ {
		collector.RecordRun(RunSummary{Result: RunNoData})
	}

	assert.Len(t, collector.GetStats().RecentRuns, 20)
}

func TestActiveRuns(t *testing.T) {
	collector := NewCollector(5)
	before := testutil.ToFloat64(ActiveRuns)

	collector.RunStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveRuns))

	collector.RunFinished()
	assert.Equal(t, before, testutil.ToFloat64(ActiveRuns))
}

func TestGetStats_ReturnsCopies(t *testing.T) {
	collector := NewCollector(5)
	collector.RecordIncomingCall("/")
	collector.RecordRun(RunSummary{ID: "a"})

	stats := collector.GetStats()
	stats.IncomingAPICalls["/"].TotalCalls = 100
	stats.RecentRuns[0].ID = "changed"

	fresh := collector.GetStats()
	assert.Equal(t, 1, fresh.IncomingAPICalls["/"].TotalCalls)
	assert.Equal(t, "a", fresh.RecentRuns[0].ID)
}

func TestReset(t *testing.T) {
	collector := NewCollector(5)
	collector.RecordIncomingCall("/")
	collector.RecordOutgoingCall("ping", "example.com")
	collector.RecordFailure("ping", "status")
	collector.RecordRun(RunSummary{ID: "a"})

	collector.Reset()

	stats := collector.GetStats()
	assert.Empty(t, stats.IncomingAPICalls)
	assert.Empty(t, stats.OutgoingAPICalls)
	assert.Empty(t, stats.Failures)
	assert.Empty(t, stats.RecentRuns)
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewCollector(10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordIncomingCall("/api/v1/state")
				collector.RecordOutgoingCall("download", "payload.test")
				collector.RecordFailure("download", "stream")
				collector.RecordRun(RunSummary{ID: fmt.Sprintf("%d-%d", id, j)})
				_ = collector.GetStats()
			}
		}(i)
	}
	wg.Wait()

	stats := collector.GetStats()
	assert.Equal(t, 1000, stats.IncomingAPICalls["/api/v1/state"].TotalCalls)
	assert.Equal(t, 1000, stats.OutgoingAPICalls["download"]["payload.test"].TotalCalls)
	assert.Equal(t, 1000, stats.Failures["download"]["stream"])
	assert.Len(t, stats.RecentRuns, 10)
}
