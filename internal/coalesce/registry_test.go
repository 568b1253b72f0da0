package coalesce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterReturnsSameExecutorForSameName(t *testing.T) {
	reg := NewRegistry(8)

	calls := 0
	build := func(_ context.Context, items []int) (int, error) {
		calls++
		total := 0
		for _, n := range items {
			total += n
		}
		return total, nil
	}

	a, err := Register(reg, "checkout-total", Options{Limit: 10, Window: 50 * time.Millisecond}, build)
	require.NoError(t, err)
	b, err := Register(reg, "checkout-total", Options{Limit: 999, Window: time.Hour}, build)
	require.NoError(t, err)

	assert.Same(t, a, b)

	v, err := a.Call(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestRegistry_RegisterVectorRejectsNameTakenByRegister(t *testing.T) {
	reg := NewRegistry(8)

	scalarExec, err := Register(reg, "same-name", Options{Limit: 10, Window: 50 * time.Millisecond},
		func(_ context.Context, items []int) (int, error) { return len(items), nil })
	require.NoError(t, err)
	require.NotNil(t, scalarExec)

	_, err = RegisterVector(reg, "same-name", Options{Limit: 10, Window: 50 * time.Millisecond},
		func(_ context.Context, items []string) ([]string, error) { return items, nil })
	assert.Error(t, err)
}
