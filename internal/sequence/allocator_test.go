package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/petmarket-invoicing/internal/apperror"
)

func TestPeriodKey(t *testing.T) {
	assert.Equal(t, "2501", PeriodKey(time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2412", PeriodKey(time.Date(2024, time.December, 31, 23, 59, 0, 0, time.UTC)))

	// 2025-01-01 02:00 в UTC+6 - это ещё декабрь 2024 по UTC.
	dhaka := time.FixedZone("UTC+6", 6*60*60)
	assert.Equal(t, "2412", PeriodKey(time.Date(2025, time.January, 1, 2, 0, 0, 0, dhaka)))
}

func TestAllocate_FirstNumberOfPeriodIsOne(t *testing.T) {
	a := NewAllocator(NewMemoryCounter())

	seq, err := a.Allocate(context.Background(), "2501")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = a.Allocate(context.Background(), "2501")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestAllocate_PeriodsAreIndependent(t *testing.T) {
	a := NewAllocator(NewMemoryCounter())
	ctx := context.Background()

	_, err := a.Allocate(ctx, "2501")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "2501")
	require.NoError(t, err)

	seq, err := a.Allocate(ctx, "2502")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestAllocate_ConcurrentCallersGetConsecutiveDistinctNumbers(t *testing.T) {
	const (
		workers  = 64
		priorMax = 41
	)

	store := NewMemoryCounter()
	store.Set(CounterKey("2501"), priorMax)
	a := NewAllocator(store)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make([]int64, 0, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := a.Allocate(context.Background(), "2501")
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			mu.Lock()
			got = append(got, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, workers)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, seq := range got {
		assert.Equal(t, int64(priorMax+1+i), seq)
	}
}

func TestAllocate_MalformedPeriodKey(t *testing.T) {
	store := NewMemoryCounter()
	a := NewAllocator(store)

	_, err := a.Allocate(context.Background(), "2513")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	assert.Zero(t, store.Value(CounterKey("2513")))
}

func TestAllocate_StoreFailureIsSequencingUnavailable(t *testing.T) {
	store := NewMemoryCounter()
	store.Err = errors.New("connection refused")
	a := NewAllocator(store)

	_, err := a.Allocate(context.Background(), "2501")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeSequencingUnavailable))
	assert.ErrorIs(t, err, store.Err)
}

func TestAllocate_NilStore(t *testing.T) {
	_, err := NewAllocator(nil).Allocate(context.Background(), "2501")
	assert.True(t, apperror.HasCode(err, apperror.CodeSequencingUnavailable))
}

func TestAllocate_CanceledContextIsNotMaskedAsUnavailable(t *testing.T) {
	store := NewMemoryCounter()
	store.Err = context.Canceled
	a := NewAllocator(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Allocate(ctx, "2501")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperror.HasCode(err, apperror.CodeSequencingUnavailable))
}

type stubIncrementer struct {
	mu    sync.Mutex
	keys  []string
	value int64
	err   error
}

func (s *stubIncrementer) Incr(ctx context.Context, key string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	s.value++
	return redis.NewIntResult(s.value, nil)
}

func TestRedisCounter_Increment(t *testing.T) {
	stub := &stubIncrementer{}
	a := NewAllocator(NewRedisCounter(stub))

	seq, err := a.Allocate(context.Background(), "2501")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, []string{"invoice:2501"}, stub.keys)
}

func TestRedisCounter_Unavailable(t *testing.T) {
	stub := &stubIncrementer{err: errors.New("dial tcp: connection refused")}
	a := NewAllocator(NewRedisCounter(stub))

	_, err := a.Allocate(context.Background(), "2501")
	assert.True(t, apperror.HasCode(err, apperror.CodeSequencingUnavailable))
}
