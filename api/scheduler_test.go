package api_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/api"
)

type countingExpirer struct {
	calls atomic.Int32
	limit int
	n     int
	err   error
}

func (e *countingExpirer) ExpireStale(_ context.Context, _ time.Time, limit int) (int, error) {
	e.calls.Add(1)
	e.limit = limit
	return e.n, e.err
}

func TestExpiryScheduler_RunOnce(t *testing.T) {
	exp := &countingExpirer{n: 3}
	s := api.NewExpiryScheduler(exp, "@every 1m", 50, quietLogger())

	assert.Equal(t, 3, s.RunOnce(context.Background()))
	assert.Equal(t, 50, exp.limit)

	exp.err = errors.New("store down")
	exp.n = 1
	assert.Equal(t, 1, s.RunOnce(context.Background()), "partial progress is still reported")
}

func TestExpiryScheduler_Schedules(t *testing.T) {
	exp := &countingExpirer{}

	disabled := api.NewExpiryScheduler(exp, "", 10, quietLogger())
	require.NoError(t, disabled.Start())
	disabled.Stop()

	bad := api.NewExpiryScheduler(exp, "every tuesday", 10, quietLogger())
	assert.Error(t, bad.Start())

	s := api.NewExpiryScheduler(exp, "@every 1s", 10, quietLogger())
	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return exp.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}
