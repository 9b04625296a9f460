package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceRecordsStatus(t *testing.T) {
	s := New(nil)
	calls := 0
	require.NoError(t, s.Register("timeouts", time.Hour, func(context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("store unavailable")
		}
		return 3, nil
	}))

	n, err := s.RunOnce(context.Background(), "timeouts")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.RunOnce(context.Background(), "timeouts")
	require.Error(t, err)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(2), status[0].Runs)
	assert.Equal(t, int64(1), status[0].Failures)
	assert.Equal(t, "store unavailable", status[0].LastError)

	_, err = s.RunOnce(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRegisterRejectsDuplicatesAndBadIntervals(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) (int, error) { return 0, nil }
	require.NoError(t, s.Register("overdue", time.Minute, noop))
	require.Error(t, s.Register("overdue", time.Minute, noop))
	require.Error(t, s.Register("other", 0, noop))
}

func TestScheduledSweepRuns(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", time.Second, func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}
