package api

import (
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/store"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewAuditScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewAuditScheduler(ledger.NewAuditor(store.NewTxMemory(), quietLog(), nil), "every tuesday", quietLog())
	assert.Error(t, err)
}

func TestAuditScheduler_RunOnce(t *testing.T) {
	// GIVEN: two users, one with a drifted balance
	ctx := context.Background()
	st := store.NewTxMemory()
	for _, u := range []ledger.UserID{"alice", "bob"} {
		require.NoError(t, st.CreateSource(ctx, ledger.Source{ID: ledger.SourceID(u + "-bank"), UserID: u, Name: "bank"}))
	}
	require.NoError(t, st.IncrementSource(ctx, "bob-bank", ledger.SourceDelta{Balance: ledger.ParseAmount("3")}))

	metrics := ledger.NewMetrics(nil)
	s, err := NewAuditScheduler(ledger.NewAuditor(st, quietLog(), metrics), "@hourly", quietLog())
	require.NoError(t, err)

	// WHEN: a sweep runs
	findings, err := s.RunOnce(ctx)

	// THEN: only bob is reported, and the gauge and status agree
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ledger.UserID("bob"), findings[0].UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditFindings.WithLabelValues(ledger.CheckSourceBalance)))

	at, n, lastErr := s.LastRun()
	assert.False(t, at.IsZero())
	assert.Equal(t, 1, n)
	assert.NoError(t, lastErr)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	s, err := NewAuditScheduler(ledger.NewAuditor(store.NewTxMemory(), quietLog(), nil), "@every 1h", quietLog())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()

	s.Enabled = false
	require.NoError(t, s.Start())
	assert.Nil(t, s.cron)
}
