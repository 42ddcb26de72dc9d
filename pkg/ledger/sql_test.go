package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/contracts"
)

func sampleDecision(id string) contracts.DecisionRecord {
	return contracts.DecisionRecord{
		DecisionID:  id,
		Tool:        "CompanyQuality",
		RuleVersion: "1.0.0",
		Caller:      "crm",
		Input:       map[string]interface{}{"name": "Acme", "size": 120.0},
		Output:      map[string]interface{}{"quality_tier": "TIER_1", "score": 90.0},
		Confidence:  0.95,
		LatencyMS:   2.4,
		DecidedAt:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestSQLAppendDecision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO decisions").
		WithArgs("d-1", "CompanyQuality", "1.0.0", "", "crm",
			0.95, 2.4, sqlmock.AnyArg(), sqlmock.AnyArg(), "2026-03-14", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewSQLLedger(db)
	require.NoError(t, l.AppendDecision(context.Background(), sampleDecision("d-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendDecisionReplayIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// The conflict clause swallows the duplicate; no error reaches the
	// caller.
	mock.ExpectExec("INSERT INTO decisions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewSQLLedger(db)
	assert.NoError(t, l.AppendDecision(context.Background(), sampleDecision("d-1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendFeedbackReferentialCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM decisions").
		WithArgs("d-missing").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	l := NewSQLLedger(db)
	positive := true
	err = l.AppendFeedback(context.Background(), contracts.FeedbackRecord{
		FeedbackID:      "f-1",
		DecisionID:      "d-missing",
		OutcomePositive: &positive,
		OutcomeType:     contracts.OutcomeConverted,
		FeedbackAt:      time.Now(),
	})
	assert.ErrorIs(t, err, ErrUnknownDecision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendFeedbackRejectsUnknownOutcome(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db)
	err = l.AppendFeedback(context.Background(), contracts.FeedbackRecord{
		FeedbackID:  "f-1",
		DecisionID:  "d-1",
		OutcomeType: "vanished",
	})
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestSQLAppendFeedback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM decisions").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO feedback").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewSQLLedger(db)
	positive := true
	require.NoError(t, l.AppendFeedback(context.Background(), contracts.FeedbackRecord{
		FeedbackID:      "f-1",
		DecisionID:      "d-1",
		OutcomePositive: &positive,
		OutcomeType:     contracts.OutcomeConverted,
		OutcomeValue:    1200,
		FeedbackAt:      time.Now(),
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordAssignmentFirstWriteWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO ab_assignments").
		WithArgs("exp-1", "company-42", "treatment", "CompanyQuality",
			"1.0.0", "1.1.0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewSQLLedger(db)
	require.NoError(t, l.RecordAssignment(context.Background(), contracts.ABAssignment{
		ExperimentID:     "exp-1",
		SubjectKey:       "company-42",
		Variant:          contracts.VariantTreatment,
		Tool:             "CompanyQuality",
		ControlVersion:   "1.0.0",
		TreatmentVersion: "1.1.0",
		AssignedAt:       time.Now(),
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLVersionOutcomes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), SUM").
		WithArgs("CompanyQuality", "1.0.0", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(250, 140))

	l := NewSQLLedger(db)
	samples, positives, err := l.VersionOutcomes(context.Background(),
		"CompanyQuality", "1.0.0", time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(250), samples)
	assert.Equal(t, int64(140), positives)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLFeedbackFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	positive := true
	payload, err := json.Marshal(contracts.FeedbackRecord{
		FeedbackID:      "f-1",
		DecisionID:      "d-1",
		OutcomePositive: &positive,
		OutcomeType:     contracts.OutcomeConverted,
		OutcomeValue:    1200,
		FeedbackAt:      time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM feedback").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))
	mock.ExpectQuery("SELECT payload FROM feedback").
		WithArgs("d-2").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	l := NewSQLLedger(db)
	fbs, err := l.FeedbackFor(context.Background(), "d-1")
	require.NoError(t, err)
	require.Len(t, fbs, 1)
	assert.Equal(t, "f-1", fbs[0].FeedbackID)
	assert.Equal(t, contracts.OutcomeConverted, fbs[0].OutcomeType)

	fbs, err = l.FeedbackFor(context.Background(), "d-2")
	require.NoError(t, err)
	assert.Empty(t, fbs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
