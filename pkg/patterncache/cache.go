// Package patterncache stores discovered email-pattern knowledge per
// domain. Writes are guarded by evidence strength: an entry is replaced
// only by equal-or-stronger evidence, so a verified pattern never degrades
// to a guess behind the engine's back.
package patterncache

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalline/qscore/pkg/contracts"
)

// ErrStaleEvidence rejects a write whose evidence is weaker than the
// stored entry's.
var ErrStaleEvidence = errors.New("pattern cache: weaker evidence than stored entry")

// ErrPatternNotFound is returned for domains with no cached entry.
var ErrPatternNotFound = errors.New("pattern cache: no entry for domain")

// Cache is the pattern store. PutPattern enforces the evidence ordering;
// Force bypasses it for operator corrections.
type Cache interface {
	GetPattern(ctx context.Context, domain string) (*contracts.PatternCacheEntry, error)
	PutPattern(ctx context.Context, entry contracts.PatternCacheEntry) error
	Force(ctx context.Context, entry contracts.PatternCacheEntry) error
}

// admissible reports whether next may replace prev under the evidence
// ordering. Equal rank is admissible so fresher observations of the same
// strength refresh the entry.
func admissible(prev, next contracts.PatternCacheEntry) bool {
	return contracts.EvidenceRank(next.Status) >= contracts.EvidenceRank(prev.Status)
}

func validateEntry(entry contracts.PatternCacheEntry) error {
	if entry.Domain == "" {
		return fmt.Errorf("pattern cache: entry without domain")
	}
	if contracts.EvidenceRank(entry.Status) < 0 {
		return fmt.Errorf("pattern cache: unknown status %q", entry.Status)
	}
	return nil
}
