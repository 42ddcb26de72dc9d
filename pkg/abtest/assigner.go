// Package abtest routes decision subjects into experiment arms and decides
// when a treatment rule version has earned promotion. Assignment is a pure
// hash of (subject, experiment): no state is needed to reproduce it, and a
// persisted assignment exists only so reporting can join on it.
package abtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/signalline/qscore/pkg/contracts"
)

// Experiment pins one tool's control and treatment versions with a traffic
// split in [0,1) routed to treatment.
type Experiment struct {
	ID               string
	Tool             string
	ControlVersion   string
	TreatmentVersion string
	Split            float64
}

// AssignmentStore persists assignments first-write-wins per (experiment,
// subject). Record must be idempotent; a replayed assignment is not an
// error.
type AssignmentStore interface {
	Record(ctx context.Context, a contracts.ABAssignment) error
}

// Assigner maps subjects to variants for the registered experiments.
type Assigner struct {
	experiments map[string]Experiment // keyed by tool
	store       AssignmentStore
	now         func() time.Time
}

// NewAssigner registers one experiment per tool. store may be nil when
// assignments need not be persisted.
func NewAssigner(experiments []Experiment, store AssignmentStore) (*Assigner, error) {
	byTool := make(map[string]Experiment, len(experiments))
	for _, exp := range experiments {
		if exp.ID == "" || exp.Tool == "" {
			return nil, fmt.Errorf("abtest: experiment needs id and tool")
		}
		if exp.Split < 0 || exp.Split >= 1 {
			return nil, fmt.Errorf("abtest: experiment %s split %v outside [0,1)", exp.ID, exp.Split)
		}
		if _, dup := byTool[exp.Tool]; dup {
			return nil, fmt.Errorf("abtest: tool %s has more than one experiment", exp.Tool)
		}
		byTool[exp.Tool] = exp
	}
	return &Assigner{experiments: byTool, store: store, now: time.Now}, nil
}

// Bucket maps (subjectKey, experimentID) to a deterministic position in
// [0,1).
func Bucket(subjectKey, experimentID string) float64 {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(subjectKey))
	h.Write([]byte{0x1f})
	h.Write([]byte(experimentID))
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(1<<63) / 2
}

// Assign returns the assignment for a subject on the tool's experiment, or
// (nil, nil) when the tool has no experiment or the subject key is empty.
// The persisted record is best-effort; persistence failures do not change
// the variant.
func (a *Assigner) Assign(ctx context.Context, tool, subjectKey string) (*contracts.ABAssignment, error) {
	exp, ok := a.experiments[tool]
	if !ok || subjectKey == "" {
		return nil, nil
	}

	variant := contracts.VariantControl
	if Bucket(subjectKey, exp.ID) < exp.Split {
		variant = contracts.VariantTreatment
	}

	assignment := &contracts.ABAssignment{
		ExperimentID:     exp.ID,
		SubjectKey:       subjectKey,
		Variant:          variant,
		Tool:             exp.Tool,
		ControlVersion:   exp.ControlVersion,
		TreatmentVersion: exp.TreatmentVersion,
		AssignedAt:       a.now().UTC(),
	}
	if a.store != nil {
		if err := a.store.Record(ctx, *assignment); err != nil {
			return assignment, err
		}
	}
	return assignment, nil
}
