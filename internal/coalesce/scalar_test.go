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

func sumAggregate(_ context.Context, numbers []int) (int, error) {
	total := 0
	for _, n := range numbers {
		total += n
	}
	return total, nil
}

func TestScalarExecutor_CoalescesConcurrentCalls(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 1000, Window: 100 * time.Millisecond}, sumAggregate)
	require.NoError(t, err)
	defer exec.Close()

	var wg sync.WaitGroup
	results := make([]int, 100)
	for i := 0; i < 99; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := exec.CallMany(context.Background(), []int{1, 1, 1})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	v, err := exec.CallMany(context.Background(), []int{1, 1, 1})
	require.NoError(t, err)
	results[99] = v
	wg.Wait()

	// Every caller observes the same shared total: 100 callers * 3 items.
	for _, r := range results {
		assert.Equal(t, 300, r)
	}
}

func TestScalarExecutor_PropagatesErrors(t *testing.T) {
	boom := errors.New("1234")
	exec, err := NewScalar(Options{Limit: 1000, Window: 100 * time.Millisecond},
		func(_ context.Context, _ []struct{}) (struct{}, error) {
			return struct{}{}, boom
		})
	require.NoError(t, err)
	defer exec.Close()

	_, callErr := exec.Call(context.Background(), struct{}{})
	require.Error(t, callErr)

	var shared *SharedError[error]
	require.True(t, errors.As(callErr, &shared))
	assert.ErrorIs(t, callErr, boom)
}

func TestScalarExecutor_EmptyBatchStillDispatchesAndReturnsShared(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 1000, Window: 100 * time.Millisecond}, sumAggregate)
	require.NoError(t, err)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// An empty submission still contributes a reply slot (spec.md §4.2): it
	// waits out the window like any other caller and gets the shared scalar
	// the aggregate computed, here 0 because it was the only submitter.
	v, err := exec.CallMany(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.NoError(t, ctx.Err())
}

func TestScalarExecutor_EmptySubmissionSharesBatchWithOthers(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 1000, Window: 200 * time.Millisecond}, sumAggregate)
	require.NoError(t, err)
	defer exec.Close()

	var wg sync.WaitGroup
	var emptyResult, otherResult int
	var emptyErr, otherErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		emptyResult, emptyErr = exec.CallMany(context.Background(), nil)
	}()
	go func() {
		defer wg.Done()
		otherResult, otherErr = exec.CallMany(context.Background(), []int{7})
	}()
	wg.Wait()

	require.NoError(t, emptyErr)
	require.NoError(t, otherErr)
	assert.Equal(t, 7, emptyResult)
	assert.Equal(t, 7, otherResult)
}

func TestScalarExecutor_WaitsOutTheWindow(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 1000, Window: 300 * time.Millisecond}, sumAggregate)
	require.NoError(t, err)
	defer exec.Close()

	before := time.Now()
	_, err = exec.CallMany(context.Background(), []int{1, 1, 1})
	require.NoError(t, err)
	elapsed := time.Since(before)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestScalarExecutor_LimitFlushesBeforeWindow(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 3, Window: 5 * time.Second}, sumAggregate)
	require.NoError(t, err)
	defer exec.Close()

	done := make(chan struct{})
	go func() {
		_, _ = exec.Call(context.Background(), 1)
		_, _ = exec.Call(context.Background(), 1)
		close(done)
	}()

	_, _ = exec.Call(context.Background(), 1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch should have flushed at the limit, not waited for the window")
	}
}

func TestScalarExecutor_AsynchronousCallReturnsWithoutWaiting(t *testing.T) {
	released := make(chan struct{})
	exec, err := NewScalar(Options{Limit: 10, Window: time.Second, Asynchronous: true},
		func(_ context.Context, items []int) (int, error) {
			<-released
			return len(items), nil
		})
	require.NoError(t, err)
	defer exec.Close()

	start := time.Now()
	v, err := exec.Call(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, v) // fire-and-forget: no result is waited on
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	close(released)
}

func TestScalarExecutor_ClosedExecutorRejectsNewWork(t *testing.T) {
	exec, err := NewScalar(Options{Limit: 10, Window: time.Second}, sumAggregate)
	require.NoError(t, err)
	exec.Close()

	_, err = exec.Call(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
