package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/x402-foundation/x402-commerce/internal/logging"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	rng := rand.New(rand.NewSource(1))

	cases := []struct {
		attempt int
		max     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{64, 10 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := b.Delay(tc.attempt, rng)
			if d < 0 || d > tc.max {
				t.Fatalf("attempt %d: expected delay in [0, %s], got %s", tc.attempt, tc.max, d)
			}
		}
	}
}

func TestBackoffNextAttemptAtIsUTC(t *testing.T) {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.FixedZone("X", 3600))
	next := Backoff{Base: time.Second, Max: time.Second}.NextAttemptAt(now, 1, rand.New(rand.NewSource(2)))

	assert.Equal(t, time.UTC, next.Location())
	assert.False(t, next.Before(now))
	assert.False(t, next.After(now.Add(time.Second)))
}

func TestRunCycleStopsOnNoWork(t *testing.T) {
	calls := 0
	worked := RunCycle(context.Background(), 5, func(context.Context) error {
		calls++
		if calls == 3 {
			return ErrNoWork
		}
		return nil
	}, logging.Discard())

	assert.True(t, worked)
	assert.Equal(t, 3, calls)
}

func TestRunCycleContinuesAfterError(t *testing.T) {
	calls := 0
	worked := RunCycle(context.Background(), 3, func(context.Context) error {
		calls++
		return errors.New("boom")
	}, logging.Discard())

	assert.True(t, worked)
	assert.Equal(t, 3, calls)
}

func TestRunCycleIdle(t *testing.T) {
	worked := RunCycle(context.Background(), 3, func(context.Context) error {
		return ErrNoWork
	}, logging.Discard())
	assert.False(t, worked)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Run(ctx, Config{Name: "test", Interval: 5 * time.Millisecond, Burst: 1}, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return ErrNoWork
		}, nil, logging.Discard())
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 1 }, time.Second, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}

func TestCountersSnapshot(t *testing.T) {
	c := &Counters{}
	before := c.Snapshot()
	c.IncProcessed()
	c.IncSucceeded()
	c.IncFailed()
	c.IncRetried()

	delta := c.Snapshot().Sub(before)
	assert.Equal(t, Snapshot{Processed: 1, Succeeded: 1, Failed: 1, Retried: 1}, delta)
	assert.True(t, Snapshot{}.IsZero())
}
