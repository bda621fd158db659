package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() (*logrus.Entry, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	return logrus.NewEntry(log), hook
}

func TestSafeGo_Success(t *testing.T) {
	log, hook := testLogger()
	done := make(chan struct{})

	SafeGo(context.Background(), log, time.Second, "notify", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, hook.AllEntries())
}

func TestSafeGo_ErrorIsLogged(t *testing.T) {
	log, hook := testLogger()

	SafeGo(context.Background(), log, time.Second, "notify", func(ctx context.Context) error {
		return errors.New("publish failed")
	})

	require.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "notify", entry.Data["task"])
	assert.EqualError(t, entry.Data[logrus.ErrorKey].(error), "publish failed")
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	log, hook := testLogger()

	SafeGo(context.Background(), log, time.Second, "subscriber", func(ctx context.Context) error {
		panic("boom")
	})

	require.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Contains(t, entry.Message, "boom")
	assert.Contains(t, entry.Data, "stack")
}

func TestSafeGo_Timeout(t *testing.T) {
	log, _ := testLogger()
	result := make(chan error, 1)

	SafeGo(context.Background(), log, 20*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout was not applied")
	}
}

func TestSafeGo_ZeroTimeoutRunsUntilCancelled(t *testing.T) {
	log, _ := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	SafeGo(ctx, log, 0, "listener", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return nil
	})

	select {
	case <-result:
		t.Fatal("task stopped before cancellation")
	case <-time.After(30 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task ignored cancellation")
	}
}

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	log, _ := testLogger()
	pool := NewWorkerPool(context.Background(), log, 3, "reconcile", time.Second)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPool_CollectsErrorsAndPanics(t *testing.T) {
	log, hook := testLogger()
	pool := NewWorkerPool(context.Background(), log, 2, "reconcile", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error { return errors.New("store down") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { panic("bad account") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) error { return nil }))
	pool.Wait()

	var msgs []string
	for _, err := range pool.Errors() {
		msgs = append(msgs, err.Error())
	}
	assert.ElementsMatch(t, []string{"store down", "panic: bad account"}, msgs)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "reconcile", hook.LastEntry().Data["pool"])
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 1, "reconcile", time.Second)
	require.NoError(t, pool.Shutdown(time.Second))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
	// second shutdown is a no-op
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 1, "reconcile", time.Second)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	err := pool.Shutdown(20 * time.Millisecond)
	assert.ErrorContains(t, err, "timed out")
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), nil, 1, "reconcile", 20*time.Millisecond)
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	pool.Wait()

	errs := pool.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestBatch(t *testing.T) {
	log, _ := testLogger()
	var sum atomic.Int64

	errs := Batch(context.Background(), log, []int{1, 2, 3, 4, 5}, 2, "sum", time.Second, func(ctx context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})

	assert.Empty(t, errs)
	assert.Equal(t, int64(15), sum.Load())
}

func TestBatch_WithErrors(t *testing.T) {
	errs := Batch(context.Background(), nil, []string{"a", "b", "c"}, 2, "check", time.Second, func(ctx context.Context, id string) error {
		if id == "b" {
			return errors.New("account b inconsistent")
		}
		return nil
	})

	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "account b inconsistent")
}

func TestBatch_Empty(t *testing.T) {
	errs := Batch(context.Background(), nil, []string{}, 4, "check", time.Second, func(ctx context.Context, id string) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.Empty(t, errs)
}

func TestBatch_KeepsEveryError(t *testing.T) {
	ids := make([]int, 200)
	for i := range ids {
		ids[i] = i
	}

	errs := Batch(context.Background(), nil, ids, 4, "reconcile", time.Second, func(ctx context.Context, id int) error {
		return errors.New("inconsistent")
	})
	assert.Len(t, errs, len(ids))
}

func TestBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	errs := Batch(ctx, nil, []string{"a", "b", "c"}, 1, "reconcile", time.Second, func(ctx context.Context, id string) error {
		ran.Add(1)
		return nil
	})
	assert.NotEmpty(t, errs)
	assert.Zero(t, ran.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
