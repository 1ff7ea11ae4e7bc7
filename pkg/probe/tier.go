package probe

import "netprobe/pkg/config"

// Tier is the download payload size bucket.
type Tier int

const (
	TierSmall Tier = iota
	TierMedium
	TierLarge
)

func (t Tier) String() string {
	switch t {
	case TierSmall:
		return "small"
	case TierMedium:
		return "medium"
	case TierLarge:
		return "large"
	default:
		return "unknown"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TierPolicy escalates the payload tier once enough samples show the link
// can sustain a larger file. Escalation moves one step at a time and never
// goes back down.
type TierPolicy struct {
	tier            Tier
	minSamples      int
	mediumThreshold float64
	largeThreshold  float64
}

func NewTierPolicy(cfg config.DownloadConfig) *TierPolicy {
	return &TierPolicy{
		tier:            TierSmall,
		minSamples:      cfg.EscalateAfter,
		mediumThreshold: cfg.MediumThresholdMbps,
		largeThreshold:  cfg.LargeThresholdMbps,
	}
}

func (p *TierPolicy) Tier() Tier {
	return p.tier
}

// Observe feeds the sample count so far and the latest sample, and returns
// the tier to use from now on.
func (p *TierPolicy) Observe(count int, last float64) Tier {
	if count < p.minSamples {
		return p.tier
	}

	switch {
	case p.tier == TierSmall && last > p.mediumThreshold:
		p.tier = TierMedium
	case p.tier == TierMedium && last > p.largeThreshold:
		p.tier = TierLarge
	}

	return p.tier
}

func tierURL(urls config.TierURLs, t Tier) string {
	switch t {
	case TierMedium:
		return urls.Medium
	case TierLarge:
		return urls.Large
	default:
		return urls.Small
	}
}
