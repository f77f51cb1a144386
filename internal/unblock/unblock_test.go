package unblock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDo_RunsFn(t *testing.T) {
	ran := false
	err := Do(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestDo_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	err := Do(context.Background(), func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestDo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
