package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incrementAll(_ context.Context, numbers []int) ([]int, error) {
	out := make([]int, len(numbers))
	for i, n := range numbers {
		out[i] = n + 1
	}
	return out, nil
}

func TestVectorExecutor_PartitionsResultsPerCaller(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 100 * time.Millisecond}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	results, err := exec.CallMany(context.Background(), []int{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, results)

	single, err := exec.Call(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, single)
}

func TestVectorExecutor_SplitsEachCallersOwnSlice(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: time.Second}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	type callResult struct {
		values []int
		err    error
	}
	chA := make(chan callResult, 1)
	chB := make(chan callResult, 1)

	go func() {
		v, err := exec.CallMany(context.Background(), []int{1, 2})
		chA <- callResult{v, err}
	}()
	go func() {
		v, err := exec.CallMany(context.Background(), []int{10, 20, 30})
		chB <- callResult{v, err}
	}()

	a := <-chA
	b := <-chB
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, []int{2, 3}, a.values)
	assert.Equal(t, []int{11, 21, 31}, b.values)
}

func TestVectorExecutor_ShapeViolationFailsWholeBatch(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 50 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			return items[:len(items)-1], nil // deliberately short by one
		})
	require.NoError(t, err)
	defer exec.Close()

	_, callErr := exec.CallMany(context.Background(), []int{1, 2, 3})
	require.Error(t, callErr)
	assert.ErrorIs(t, callErr, ErrShapeViolation)
}

func TestVectorExecutor_DynamicWindowAppliesAtOrBelowThreshold(t *testing.T) {
	exec, err := NewVector(Options{
		Limit:  1000,
		Window: time.Second,
		Windows: []WindowStep{
			{CallSize: 1, Window: 10 * time.Millisecond},
		},
	}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	before := time.Now()
	_, err = exec.Call(context.Background(), 1)
	require.NoError(t, err)
	elapsed := time.Since(before)

	// With 1 item buffered, the smallest threshold >= 1 is window<1>, so its
	// 10ms window applies, not the 1-second default.
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestVectorExecutor_DynamicWindowRevertsToDefaultAboveThreshold(t *testing.T) {
	// spec.md §8 scenario 6: policy {window2=10ms, window=1000ms}. A batch
	// of exactly 2 items flushes fast; a batch of 3 exceeds the only
	// threshold and waits out the full default window instead.
	exec, err := NewVector(Options{
		Limit:  1000,
		Window: time.Second,
		Windows: []WindowStep{
			{CallSize: 2, Window: 10 * time.Millisecond},
		},
	}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	before := time.Now()
	results, err := exec.CallMany(context.Background(), []int{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, results)
	assert.GreaterOrEqual(t, time.Since(before), 900*time.Millisecond)
}

func TestVectorExecutor_EmptySubmissionWaitsAndGetsEmptySlice(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 100 * time.Millisecond}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := exec.CallMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorExecutor_TrickleArrivalsFlushAtWindowFromFirstArrival(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 500 * time.Millisecond}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	start := time.Now()
	var wg sync.WaitGroup
	arrive := func(delay time.Duration, item int) {
		defer wg.Done()
		time.Sleep(delay)
		_, err := exec.Call(context.Background(), item)
		assert.NoError(t, err)
	}
	wg.Add(3)
	go arrive(0, 1)
	go arrive(150*time.Millisecond, 2)
	go arrive(300*time.Millisecond, 3)
	wg.Wait()

	elapsed := time.Since(start)
	// window_start is stamped once, at the first arrival; every later
	// arrival recomputes the deadline relative to that same window_start
	// (spec.md §4.2 step 3), so the batch flushes ~500ms after the first
	// item regardless of how many arrivals trickle in after it. A deadline
	// that re-bases from each arrival's own "now" instead would keep
	// pushing the flush outward (here, to ~800ms) and never converge under
	// a steady trickle.
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestVectorExecutor_PanicIsRecoveredAndReportedToEveryCaller(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 50 * time.Millisecond},
		func(_ context.Context, _ []int) ([]int, error) {
			panic("boom")
		})
	require.NoError(t, err)
	defer exec.Close()

	_, callErr := exec.Call(context.Background(), 1)
	require.Error(t, callErr)
	assert.Contains(t, callErr.Error(), "panicked")

	var shared *SharedError[error]
	assert.True(t, errors.As(callErr, &shared))
}

func TestVectorExecutor_RespectsContextCancellation(t *testing.T) {
	exec, err := NewVector(Options{Limit: 1000, Window: 5 * time.Second}, incrementAll)
	require.NoError(t, err)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, callErr := exec.Call(ctx, 1)
	assert.ErrorIs(t, callErr, context.DeadlineExceeded)
}
