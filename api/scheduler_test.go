package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/ledger/store"
	"github.com/agrimart/season-ledger/money"
)

func TestAuditor_Run_LogsViolations(t *testing.T) {
	st := store.NewMemory()
	env := newTestEnvWith(t, st, testThreshold, nil)
	env.setDebt(1, 1, 50_000_000)
	env.setDebt(2, 1, 30_000_000)
	for _, path := range []string{"/api/customers/1/seasons/1/close", "/api/customers/2/seasons/1/close"} {
		rec := env.do(http.MethodPost, path, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	core, logs := observer.New(zapcore.InfoLevel)
	auditor := NewAuditor(ledger.NewTracker(st, nil, money.New(40_000_000)), zap.New(core))
	assert.Nil(t, auditor.Last())

	report, err := auditor.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Violations, 1)
	assert.Equal(t, ledger.CustomerID(1), report.Violations[0].CustomerID)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.NotNil(t, auditor.Last())
	assert.Equal(t, report.CheckedAt, auditor.Last().CheckedAt)
}

func TestNewAuditScheduler_RejectsNonPositiveInterval(t *testing.T) {
	auditor := NewAuditor(ledger.NewTracker(store.NewMemory(), nil, testThreshold), nil)
	_, err := NewAuditScheduler(auditor, 0)
	assert.Error(t, err)
}

func TestAuditScheduler_RunsImmediately(t *testing.T) {
	auditor := NewAuditor(ledger.NewTracker(store.NewMemory(), nil, testThreshold), nil)

	sched, err := NewAuditScheduler(auditor, time.Hour)
	require.NoError(t, err)
	sched.Start()

	require.Eventually(t, func() bool { return auditor.Last() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, auditor.Last().Violations)
	assert.NoError(t, sched.Stop())
}
