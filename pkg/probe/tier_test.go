package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"netprobe/pkg/config"
)

func createTestDownloadConfig() config.DownloadConfig {
	return config.DownloadConfig{
		URLs: config.TierURLs{
			Small:  "http://payload.test/small.png",
			Medium: "http://payload.test/medium.png",
			Large:  "http://payload.test/large.png",
		},
		EscalateAfter:       50,
		MediumThresholdMbps: 50,
		LargeThresholdMbps:  100,
		BufferSize:          64 * 1024,
	}
}

func TestTierPolicy_EscalatesAtSample51(t *testing.T) {
	policy := NewTierPolicy(createTestDownloadConfig())

	for i := 1; i <= 50; i++ {
		assert.Equal(t, TierSmall, policy.Observe(i, 10), "sample %d should not escalate", i)
	}

	assert.Equal(t, TierMedium, policy.Observe(51, 60), "sample #51 above 50 Mbps should escalate to medium")
	assert.Equal(t, "http://payload.test/medium.png", tierURL(createTestDownloadConfig().URLs, policy.Tier()))

	// Later slow samples never bring the tier back down
	for i := 52; i <= 200; i++ {
		assert.Equal(t, TierMedium, policy.Observe(i, 5))
	}
}

func TestTierPolicy_RequiresMinimumSamples(t *testing.T) {
	policy := NewTierPolicy(createTestDownloadConfig())

	for i := 1; i < 50; i++ {
		assert.Equal(t, TierSmall, policy.Observe(i, 500), "sample %d is below the escalation floor", i)
	}
	assert.Equal(t, TierMedium, policy.Observe(50, 500))
}

func TestTierPolicy_OneStepPerSample(t *testing.T) {
	policy := NewTierPolicy(createTestDownloadConfig())

	assert.Equal(t, TierMedium, policy.Observe(60, 500), "a single sample moves one tier only")
	assert.Equal(t, TierLarge, policy.Observe(61, 500))
	assert.Equal(t, TierLarge, policy.Observe(62, 500))
	assert.Equal(t, TierLarge, policy.Observe(63, 1))
}

func TestTierPolicy_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		start    Tier
		last     float64
		expected Tier
	}{
		{"Small at threshold stays", TierSmall, 50, TierSmall},
		{"Small above threshold", TierSmall, 50.01, TierMedium},
		{"Medium between thresholds stays", TierMedium, 99, TierMedium},
		{"Medium at large threshold stays", TierMedium, 100, TierMedium},
		{"Medium above large threshold", TierMedium, 100.5, TierLarge},
		{"Large stays large", TierLarge, 1, TierLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewTierPolicy(createTestDownloadConfig())
			policy.tier = tt.start

			assert.Equal(t, tt.expected, policy.Observe(100, tt.last))
		})
	}
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "small", TierSmall.String())
	assert.Equal(t, "medium", TierMedium.String())
	assert.Equal(t, "large", TierLarge.String())
	assert.Equal(t, "unknown", Tier(9).String())

	text, err := TierLarge.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "large", string(text))
}
