package contracts

import (
	"time"
)

// PatternStatus is the verification state of a cached email pattern.
// Transitions move toward increasing evidence strength and are not silently
// overwritten; see EvidenceRank.
type PatternStatus string

const (
	PatternNoPattern  PatternStatus = "no_pattern"
	PatternUnverified PatternStatus = "unverified"
	PatternCatchAll   PatternStatus = "catch_all"
	PatternValid      PatternStatus = "valid"
	PatternInvalid    PatternStatus = "invalid"
)

// EvidenceRank orders statuses by evidence strength. "invalid" ranks lowest
// so any verified observation may replace it.
func EvidenceRank(s PatternStatus) int {
	switch s {
	case PatternInvalid:
		return 0
	case PatternNoPattern:
		return 1
	case PatternUnverified:
		return 2
	case PatternCatchAll:
		return 3
	case PatternValid:
		return 4
	default:
		return -1
	}
}

// PatternCacheEntry is the persisted email-pattern knowledge for a domain.
// The email-intelligence collaborator owns the lifecycle; the core only
// reads and writes entries through the cache interface. Templates use the
// placeholders {first}, {last}, {f}, {l}.
type PatternCacheEntry struct {
	Domain     string        `json:"domain"`
	Pattern    string        `json:"pattern_template"`
	Source     string        `json:"source,omitempty"`
	Confidence float64       `json:"confidence"`
	Status     PatternStatus `json:"status"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
