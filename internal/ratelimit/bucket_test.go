package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// newTestBucket returns a bucket driven by a settable clock.
func newTestBucket(t *testing.T, capacity int, tokenEvery time.Duration) (*Bucket, *time.Time) {
	t.Helper()
	now := time.Unix(1000, 0)
	b := NewBucket(capacity, tokenEvery)
	b.now = func() time.Time { return now }
	b.lastFill = now
	return b, &now
}

func requireOutOfQuota(t *testing.T, err error, waitSeconds float64) {
	t.Helper()
	require.Error(t, err)
	var lerr *accounts.Error
	require.True(t, errors.As(err, &lerr))
	require.Equal(t, accounts.KindOutOfQuota, lerr.Kind)
	require.InDelta(t, waitSeconds, lerr.Wait, 1e-6)
}

func TestBucketBurstThenSteadyRefill(t *testing.T) {
	b, now := newTestBucket(t, 2, 3*time.Second)

	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())
	requireOutOfQuota(t, b.Consume(), 3.0)

	*now = now.Add(3 * time.Second)
	require.NoError(t, b.Consume())

	*now = now.Add(2900 * time.Millisecond)
	requireOutOfQuota(t, b.Consume(), 0.1)

	*now = now.Add(100 * time.Millisecond)
	require.NoError(t, b.Consume())
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	b, now := newTestBucket(t, 2, 3*time.Second)

	*now = now.Add(time.Hour)
	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())
	require.Error(t, b.Consume())
}

func TestBucketClockSkewGrantsNothing(t *testing.T) {
	b, now := newTestBucket(t, 2, 3*time.Second)

	require.NoError(t, b.Consume())
	require.NoError(t, b.Consume())

	// Clock jumps backward: no refill, and the skewed interval is lost, so
	// returning to the original time must not credit tokens either.
	*now = now.Add(-10 * time.Second)
	require.Error(t, b.Consume())
	*now = now.Add(10 * time.Second)
	require.Error(t, b.Consume())

	*now = now.Add(3 * time.Second)
	require.NoError(t, b.Consume())
}

func TestBucketRejectsBadParameters(t *testing.T) {
	require.Panics(t, func() { NewBucket(0, time.Second) })
	require.Panics(t, func() { NewBucket(1, 0) })
}
