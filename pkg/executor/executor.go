// Package executor is the single synchronous path every decision request
// follows: validate, admit, resolve rule versions, evaluate production with
// a deadline, run any secondary version off the request path, and log the
// decision without ever blocking the caller on the ledger.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalline/qscore/pkg/abtest"
	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/interpreter"
	"github.com/signalline/qscore/pkg/ledger"
	"github.com/signalline/qscore/pkg/policy"
	"github.com/signalline/qscore/pkg/rulestore"
	"github.com/signalline/qscore/pkg/tools"
)

// Counters are the executor's internal drop and failure tallies. They are
// never surfaced to callers; observability exports them.
type Counters struct {
	DroppedSecondaryLogs atomic.Int64
	DroppedPrimaryLogs   atomic.Int64
	SecondaryShed        atomic.Int64
	SecondaryFailures    atomic.Int64
	ShadowMismatches     atomic.Int64
	AppendFailures       atomic.Int64
}

// Options tune the executor's background machinery.
type Options struct {
	// QueueSize bounds the ledger append queue. When full, the secondary
	// log is dropped first, the primary log last resort.
	QueueSize int
	// SecondaryWorkers bounds the pool running shadow and treatment
	// evaluations.
	SecondaryWorkers int
	// SecondaryWait caps how long the ledger writer waits for a secondary
	// comparison before logging without it.
	SecondaryWait time.Duration
	// KeyFactors is how many top contributing steps a decision reports.
	KeyFactors int
}

func (o *Options) fill() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.SecondaryWorkers <= 0 {
		o.SecondaryWorkers = 4
	}
	if o.SecondaryWait <= 0 {
		o.SecondaryWait = 500 * time.Millisecond
	}
	if o.KeyFactors <= 0 {
		o.KeyFactors = 3
	}
}

type queuedDecision struct {
	rec    contracts.DecisionRecord
	shadow chan *contracts.ShadowComparison
}

// Executor runs decisions. Construct with New; Close drains the ledger
// queue.
type Executor struct {
	registry *tools.Registry
	store    *rulestore.Store
	gate     *policy.Gate
	assigner *abtest.Assigner
	ledger   ledger.Ledger
	logger   *slog.Logger
	opts     Options

	queue  chan queuedDecision
	jobs   chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	counters Counters
	now      func() time.Time
	newID    func() string
}

// New wires an executor and starts its writer and secondary workers.
// assigner may be nil when no experiments run; gate may be nil to admit
// every caller.
func New(reg *tools.Registry, store *rulestore.Store, gate *policy.Gate,
	assigner *abtest.Assigner, led ledger.Ledger, opts Options) *Executor {
	opts.fill()
	e := &Executor{
		registry: reg,
		store:    store,
		gate:     gate,
		assigner: assigner,
		ledger:   led,
		logger:   slog.Default().With("component", "executor"),
		opts:     opts,
		queue:    make(chan queuedDecision, opts.QueueSize),
		jobs:     make(chan func(), opts.SecondaryWorkers*2),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.writeLoop()
	for i := 0; i < opts.SecondaryWorkers; i++ {
		e.wg.Add(1)
		go e.workLoop()
	}
	return e
}

// Counters exposes the internal tallies for metric export.
func (e *Executor) Counters() *Counters { return &e.counters }

// Close stops the background goroutines after draining queued appends.
func (e *Executor) Close() {
	close(e.jobs)
	close(e.queue)
	e.wg.Wait()
	e.cancel()
}

// Execute runs one decision. The returned result always reflects the
// production rule version; secondary evaluation and ledger state never
// change it.
func (e *Executor) Execute(ctx context.Context, tool string, input map[string]interface{}, reqctx contracts.RequestContext) (*contracts.ToolResult, error) {
	started := e.now()

	def, err := e.registry.Get(tool)
	if err != nil {
		return nil, err
	}
	// Schema failures are the caller's fault and are never logged as
	// decisions.
	if err := def.ValidateInput(input); err != nil {
		return nil, err
	}
	if e.gate != nil {
		if err := e.gate.Admit(tool, reqctx); err != nil {
			return nil, err
		}
	}

	prepared := def.Prepare(input)

	prodVersion, prodDoc, err := e.store.GetProductionRule(tool)
	if err != nil {
		return nil, &contracts.EngineError{
			Code:    contracts.CodeRuleNotFound,
			Message: fmt.Sprintf("tool %s has no production rule version", tool),
			Err:     err,
		}
	}

	secondaryVersion, secondaryDoc, secondaryMode := e.resolveSecondary(ctx, tool, prodVersion, reqctx)

	primary, err := e.evalWithDeadline(ctx, def.SLA, prodDoc, interpreter.Request{
		Input:     prepared.Input,
		Penalties: prepared.Penalties,
		PreSteps:  prepared.PreSteps,
	})
	if err != nil {
		return nil, err
	}

	var shadowCh chan *contracts.ShadowComparison
	if secondaryDoc != nil {
		shadowCh = e.dispatchSecondary(secondaryMode, secondaryVersion, secondaryDoc, prepared, primary, def.SLA)
	}

	latency := float64(e.now().Sub(started).Microseconds()) / 1000.0
	decisionID := e.newID()

	result := &contracts.ToolResult{
		DecisionID:  decisionID,
		Tool:        tool,
		RuleVersion: prodVersion,
		Result:      primary.Outputs,
		Confidence:  primary.Confidence,
		Breakdown:   primary.Breakdown,
		KeyFactors:  keyFactors(primary.Breakdown, e.opts.KeyFactors),
		EdgeCases:   primary.EdgeCasesApplied,
	}

	rec := contracts.DecisionRecord{
		DecisionID:      decisionID,
		Tool:            tool,
		RuleVersion:     prodVersion,
		TenantID:        reqctx.TenantID,
		Caller:          reqctx.Caller,
		Input:           prepared.Input,
		Output:          primary.Outputs,
		Confidence:      primary.Confidence,
		KeyFactors:      result.KeyFactors,
		EdgeCases:       primary.EdgeCasesApplied,
		Breakdown:       primary.Breakdown,
		LatencyMS:       latency,
		DecidedAt:       started.UTC(),
		DefaultsApplied: prepared.DefaultsApplied,
	}

	e.enqueue(rec, shadowCh, result)
	return result, nil
}

// resolveSecondary picks the version to run alongside production: the
// treatment arm when the subject is assigned to one, otherwise the pinned
// shadow. Assignment persistence failures are swallowed; routing stays
// deterministic regardless.
func (e *Executor) resolveSecondary(ctx context.Context, tool, prodVersion string, reqctx contracts.RequestContext) (string, *contracts.RuleDocument, string) {
	if e.assigner != nil {
		assignment, err := e.assigner.Assign(ctx, tool, reqctx.SubjectKey)
		if err != nil {
			e.logger.Warn("assignment persistence failed", "tool", tool, "error", err)
		}
		if assignment != nil && assignment.Variant == contracts.VariantTreatment &&
			assignment.TreatmentVersion != prodVersion {
			doc, err := e.store.GetRule(tool, assignment.TreatmentVersion)
			if err == nil {
				return assignment.TreatmentVersion, doc, "treatment"
			}
			e.logger.Warn("treatment version missing", "tool", tool, "version", assignment.TreatmentVersion)
		}
	}

	version, doc, err := e.store.GetShadowRule(tool)
	if err != nil || doc == nil {
		return "", nil, ""
	}
	return version, doc, "shadow"
}

func (e *Executor) evalWithDeadline(ctx context.Context, sla time.Duration, doc *contracts.RuleDocument, req interpreter.Request) (*contracts.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, sla)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, &contracts.EngineError{
			Code:    contracts.CodeTimeout,
			Message: "request deadline already expired",
			Err:     err,
		}
	}

	type outcome struct {
		ev  *contracts.Evaluation
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		ev, err := interpreter.Evaluate(doc, req)
		ch <- outcome{ev, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &contracts.EngineError{
			Code:    contracts.CodeTimeout,
			Message: fmt.Sprintf("evaluation exceeded %s", sla),
			Err:     ctx.Err(),
		}
	case out := <-ch:
		return out.ev, out.err
	}
}

// dispatchSecondary hands the secondary evaluation to the bounded pool.
// When the pool is saturated the evaluation is shed, never queued on the
// request path. The evaluation runs under half the production deadline,
// derived from the executor's base context.
func (e *Executor) dispatchSecondary(mode, version string, doc *contracts.RuleDocument, prepared *tools.Prepared, primary *contracts.Evaluation, sla time.Duration) chan *contracts.ShadowComparison {
	ch := make(chan *contracts.ShadowComparison, 1)
	started := e.now()

	job := func() {
		secondary, err := e.evalWithDeadline(e.ctx, sla/2, doc, interpreter.Request{
			Input:     prepared.Input,
			Penalties: prepared.Penalties,
			PreSteps:  prepared.PreSteps,
		})
		cmp := &contracts.ShadowComparison{
			Version:   version,
			Mode:      mode,
			LatencyMS: float64(e.now().Sub(started).Microseconds()) / 1000.0,
		}
		if err != nil {
			e.counters.SecondaryFailures.Add(1)
			cmp.Error = err.Error()
			e.logger.Warn("secondary evaluation failed", "mode", mode, "version", version, "error", err)
		} else {
			compare(cmp, primary, secondary)
			if !cmp.Match {
				e.counters.ShadowMismatches.Add(1)
			}
		}
		ch <- cmp
	}

	select {
	case e.jobs <- job:
		return ch
	default:
		e.counters.SecondaryShed.Add(1)
		return nil
	}
}

// enqueue hands the record to the writer without blocking. A full queue
// sheds the secondary comparison first and the whole record last resort;
// the caller then sees the degraded response (no decision id).
func (e *Executor) enqueue(rec contracts.DecisionRecord, shadowCh chan *contracts.ShadowComparison, result *contracts.ToolResult) {
	item := queuedDecision{rec: rec, shadow: shadowCh}
	select {
	case e.queue <- item:
		return
	default:
	}

	e.counters.DroppedSecondaryLogs.Add(1)
	item.shadow = nil
	item.rec.Shadow = nil
	select {
	case e.queue <- item:
		return
	default:
	}

	e.counters.DroppedPrimaryLogs.Add(1)
	result.DecisionID = ""
	result.LogDropped = true
	e.logger.Warn("decision log dropped", "tool", rec.Tool, "rule_version", rec.RuleVersion)
}

func (e *Executor) writeLoop() {
	defer e.wg.Done()
	for item := range e.queue {
		if item.shadow != nil {
			select {
			case cmp := <-item.shadow:
				item.rec.Shadow = cmp
			case <-time.After(e.opts.SecondaryWait):
				// Log without the comparison rather than stall the queue.
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.ledger.AppendDecision(ctx, item.rec); err != nil {
			e.counters.AppendFailures.Add(1)
			e.logger.Error("ledger append failed", "decision_id", item.rec.DecisionID, "error", err)
		}
		cancel()
	}
}

func (e *Executor) workLoop() {
	defer e.wg.Done()
	for job := range e.jobs {
		job()
	}
}
