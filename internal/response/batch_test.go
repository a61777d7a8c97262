package response

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func echoItem(v interface{}) BatchItem {
	return BatchItem{
		Payload: v,
		Fn: func(ctx context.Context) (interface{}, error) {
			return v, nil
		},
	}
}

func TestBatcher_DispatchesAtMaxSize(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       5,
		MaxWait:       10 * time.Second, // far away so size is the trigger
		SubmitTimeout: 2 * time.Second,
	}, nil, quietLogger())
	defer b.Close()

	start := time.Now()
	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := b.Submit(context.Background(), "echo", echoItem(i))
			require.NoError(t, err)
			results[i] = value
		}(i)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 5*time.Second,
		"five simultaneous members dispatch immediately, not at max_wait")
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, results[i])
	}
}

func TestBatcher_DispatchesAtMaxWait(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       5,
		MaxWait:       100 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}, nil, quietLogger())
	defer b.Close()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := b.Submit(context.Background(), "echo", echoItem(i))
			require.NoError(t, err)
			assert.Equal(t, i, value)
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond,
		"two members with no more arriving wait for max_wait")
	assert.Less(t, elapsed, time.Second)
}

func TestBatcher_NoMembersAfterClose(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       2,
		MaxWait:       50 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}, nil, quietLogger())
	defer b.Close()

	// Fill one batch completely; a third member lands in a fresh batch.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Submit(context.Background(), "echo", echoItem(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, b.DispatchedBatches(), int64(2))
}

func TestBatcher_TimeoutIsDistinctError(t *testing.T) {
	slow := func(ctx context.Context, items []BatchItem) ([]interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		out := make([]interface{}, len(items))
		return out, nil
	}
	b := NewBatcher(&BatcherConfig{
		MaxSize:       1,
		MaxWait:       10 * time.Millisecond,
		SubmitTimeout: 50 * time.Millisecond,
	}, slow, quietLogger())
	defer b.Close()

	_, err := b.Submit(context.Background(), "slow", echoItem(1))
	assert.ErrorIs(t, err, ErrBatchTimeout)
	assert.NotErrorIs(t, err, ErrBatchFailed)
}

func TestBatcher_CallerDeadlineProducesTimeout(t *testing.T) {
	slow := func(ctx context.Context, items []BatchItem) ([]interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return make([]interface{}, len(items)), nil
	}
	b := NewBatcher(&BatcherConfig{
		MaxSize:       1,
		MaxWait:       10 * time.Millisecond,
		SubmitTimeout: 5 * time.Second,
	}, slow, quietLogger())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Submit(ctx, "slow", echoItem(1))
	assert.ErrorIs(t, err, ErrBatchTimeout)
}

func TestBatcher_BatchFailureFailsAllMembersUniformly(t *testing.T) {
	failing := func(ctx context.Context, items []BatchItem) ([]interface{}, error) {
		return nil, errors.New("backend exploded")
	}
	b := NewBatcher(&BatcherConfig{
		MaxSize:       3,
		MaxWait:       time.Second,
		SubmitTimeout: 2 * time.Second,
	}, failing, quietLogger())
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Submit(context.Background(), "doomed", echoItem(i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, errs[i], ErrBatchFailed, "member %d", i)
	}
}

func TestBatcher_DefaultHandlerFirstErrorFailsBatch(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       2,
		MaxWait:       time.Second,
		SubmitTimeout: 2 * time.Second,
	}, nil, quietLogger())
	defer b.Close()

	bad := BatchItem{Fn: func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("member failure")
	}}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = b.Submit(context.Background(), "mix", bad) }()
	go func() { defer wg.Done(); _, errs[1] = b.Submit(context.Background(), "mix", echoItem("fine")) }()
	wg.Wait()

	assert.ErrorIs(t, errs[0], ErrBatchFailed)
	assert.ErrorIs(t, errs[1], ErrBatchFailed)
}

func TestBatcher_TimedOutMemberReleasesMembership(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       8,
		MaxWait:       150 * time.Millisecond,
		SubmitTimeout: 20 * time.Millisecond,
	}, nil, quietLogger())
	defer b.Close()

	var ran atomic.Int64
	_, err := b.Submit(context.Background(), "echo", BatchItem{
		Fn: func(ctx context.Context) (interface{}, error) {
			ran.Add(1)
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, ErrBatchTimeout)

	// Let the max-wait dispatch fire for whatever members remain.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(0), ran.Load(), "an abandoned member's work does not run at dispatch")
}

func TestBatcher_SurvivorUnaffectedByDepartedSibling(t *testing.T) {
	b := NewBatcher(&BatcherConfig{
		MaxSize:       8,
		MaxWait:       150 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}, nil, quietLogger())
	defer b.Close()

	// A sibling that gives up before the batch dispatches.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, _ = b.Submit(ctx, "echo", echoItem("gone"))
	}()
	time.Sleep(50 * time.Millisecond)

	value, err := b.Submit(context.Background(), "echo", echoItem("stays"))
	require.NoError(t, err)
	assert.Equal(t, "stays", value)
}

func TestBatcher_SubmitAfterCloseRejected(t *testing.T) {
	b := NewBatcher(nil, nil, quietLogger())
	b.Close()

	_, err := b.Submit(context.Background(), "late", echoItem(1))
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestBatcher_SeparateKindsSeparateBatches(t *testing.T) {
	var mu sync.Mutex
	sizes := []int{}
	handler := func(ctx context.Context, items []BatchItem) ([]interface{}, error) {
		mu.Lock()
		sizes = append(sizes, len(items))
		mu.Unlock()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = item.Payload
		}
		return out, nil
	}
	b := NewBatcher(&BatcherConfig{
		MaxSize:       10,
		MaxWait:       50 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}, handler, quietLogger())
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := fmt.Sprintf("kind-%d", i%2)
			_, err := b.Submit(context.Background(), kind, echoItem(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, sizes, 2, "two kinds dispatch as two batches")
}
