// Package archive exports ledger decisions as canonical JSONL objects to
// long-term object storage. Objects are content-addressed, so re-exporting
// the same day writes the same key with the same bytes and the archive
// stays idempotent.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalline/qscore/pkg/canonicalize"
	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/ledger"
)

// Sink writes one archive object. Implementations must tolerate repeated
// writes of the same key with the same bytes.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Querier is the ledger surface the exporter needs.
type Querier interface {
	QueryDecisions(ctx context.Context, f ledger.DecisionFilter) ([]contracts.DecisionRecord, error)
}

// Exporter snapshots one tool-day of decisions into the sink.
type Exporter struct {
	ledger Querier
	sink   Sink
	logger *slog.Logger
}

// NewExporter builds an exporter over the given ledger and sink.
func NewExporter(q Querier, sink Sink) *Exporter {
	return &Exporter{
		ledger: q,
		sink:   sink,
		logger: slog.Default().With("component", "archive"),
	}
}

// ExportDay writes every decision a tool made on the given UTC day as one
// JSONL object keyed decisions/<tool>/<day>/<contenthash>.jsonl. It returns
// the object key and record count; an empty day writes nothing.
func (e *Exporter) ExportDay(ctx context.Context, tool string, day time.Time) (string, int, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	records, err := e.ledger.QueryDecisions(ctx, ledger.DecisionFilter{Tool: tool, From: from, To: to})
	if err != nil {
		return "", 0, fmt.Errorf("archive: query %s: %w", tool, err)
	}
	if len(records) == 0 {
		return "", 0, nil
	}

	var buf bytes.Buffer
	// QueryDecisions returns newest first; archive oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		line, err := canonicalize.Canonical(records[i])
		if err != nil {
			return "", 0, fmt.Errorf("archive: encode %s: %w", records[i].DecisionID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := fmt.Sprintf("decisions/%s/%s/%s.jsonl",
		tool, from.Format("2006-01-02"), canonicalize.HashBytes(buf.Bytes()))
	if err := e.sink.Put(ctx, key, buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("archive: put %s: %w", key, err)
	}

	e.logger.Info("day archived", "tool", tool, "day", from.Format("2006-01-02"),
		"records", len(records), "key", key)
	return key, len(records), nil
}

// ExportAll archives one day for every listed tool.
func (e *Exporter) ExportAll(ctx context.Context, tools []string, day time.Time) (map[string]string, error) {
	keys := make(map[string]string)
	for _, tool := range tools {
		key, n, err := e.ExportDay(ctx, tool, day)
		if err != nil {
			return keys, err
		}
		if n > 0 {
			keys[tool] = key
		}
	}
	return keys, nil
}
