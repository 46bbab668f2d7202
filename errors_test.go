package nostr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIsRetryable(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("random"), false},
		{fmt.Errorf("relay down: %w", ErrPublishFailed), true},
		{fmt.Errorf("bunker: %w", ErrSigningUnavailable), true},
		{ErrConnectionTimeout, true},
		{ErrSigningRejected, false},
		{ErrInvalidKeyFormat, false},
		{ErrEncryptionUnsupported, false},
		{ErrMigrationProofIncomplete, false},
		{ErrRemoteIdentityMismatch, false},
		{fmt.Errorf("%w: %w", ErrPublishFailed, context.Canceled), false},
	} {
		require.Equal(t, tc.want, IsRetryable(tc.err), "%v", tc.err)
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, rate.NewLimiter(rate.Inf, 1), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrPublishFailed
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, nil, 5, func(ctx context.Context) error {
		calls++
		return ErrSigningRejected
	})
	require.ErrorIs(t, err, ErrSigningRejected)
	require.Equal(t, 1, calls, "non-retryable errors must not be retried")

	calls = 0
	err = Retry(ctx, nil, 2, func(ctx context.Context) error {
		calls++
		return ErrConnectionTimeout
	})
	require.ErrorIs(t, err, ErrConnectionTimeout)
	require.Equal(t, 2, calls)
}
