package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

func setupMockDecisionsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *EscalationDecisionsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewEscalationDecisionsRepository(db, zap.NewNop())
	return db, mock, repo
}

func sampleDecision(now time.Time) *models.EscalationDecision {
	d := models.NewEscalationDecision(models.FallEvent{ID: "event-1", UserID: "user-1"}, now)
	d.Target = models.TargetEmergency
	d.TargetNumber = "101"
	d.Record(models.ChannelAttempt{Channel: models.ChannelCall, Outcome: models.OutcomeFailed, Reason: "permission denied", At: now})
	d.Record(models.ChannelAttempt{Channel: models.ChannelNotification, Outcome: models.OutcomeDelivered, Attempts: 1, At: now})
	d.Finalize(now)
	return d
}

func TestRecordDecision_Upsert(t *testing.T) {
	db, mock, repo := setupMockDecisionsDB(t)
	defer db.Close()

	now := time.Now()
	d := sampleDecision(now)

	mock.ExpectExec(`INSERT INTO escalation_decisions .* ON CONFLICT \(event_id\) DO UPDATE`).
		WithArgs("event-1", "user-1", "emergency", "101", sqlmock.AnyArg(), "delivered", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordDecision(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDecision_Validation(t *testing.T) {
	db, mock, repo := setupMockDecisionsDB(t)
	defer db.Close()

	assert.Error(t, repo.RecordDecision(context.Background(), nil))

	err := repo.RecordDecision(context.Background(), &models.EscalationDecision{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_id is required")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDecisions_FilterByOutcome(t *testing.T) {
	db, mock, repo := setupMockDecisionsDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"event_id", "target", "target_number", "outcome", "channels_attempted", "fallback_alert", "updated_at",
	}).AddRow(
		"event-1", "caretaker", "+15551234567", "failed",
		`[{"channel":"call","outcome":"failed","attempts":2,"reason":"busy","at":"2026-01-01T00:00:00Z"}]`,
		"All escalation channels failed", now,
	)

	mock.ExpectQuery(`SELECT .* FROM escalation_decisions\s+WHERE user_id = \$1 AND outcome = \$2`).
		WithArgs("user-1", "failed", 20).
		WillReturnRows(rows)

	out, err := repo.ListDecisions(context.Background(), "user-1", models.OutcomeFailed, 20)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.TargetCaretaker, out[0].Target)
	assert.Equal(t, models.OutcomeFailed, out[0].Outcome)
	require.Len(t, out[0].ChannelsAttempted, 1)
	assert.Equal(t, 2, out[0].ChannelsAttempted[0].Attempts)
	assert.Equal(t, "All escalation channels failed", out[0].FallbackAlert)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDecisions_NoFilter(t *testing.T) {
	db, mock, repo := setupMockDecisionsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("user-1", DefaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "target", "target_number", "outcome", "channels_attempted", "fallback_alert", "updated_at",
		}))

	out, err := repo.ListDecisions(context.Background(), "user-1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryDecisionRecorder(t *testing.T) {
	m := NewMemoryDecisionRecorder()
	d := sampleDecision(time.Now())

	require.NoError(t, m.RecordDecision(context.Background(), d))
	// 保存的是副本
	d.Outcome = models.OutcomePending

	got, ok := m.Get("event-1")
	require.True(t, ok)
	assert.Equal(t, models.OutcomeDelivered, got.Outcome)
	assert.Equal(t, 1, m.Updates())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}
