package async

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/accounts/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*observability.Logger, *syncBuffer) {
	out := &syncBuffer{}
	return observability.NewLogger(observability.DebugLevel, out), out
}

func TestSafeGo_Success(t *testing.T) {
	logger, out := testLogger()
	done := make(chan struct{})

	SafeGo(context.Background(), logger, time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
	assert.NotContains(t, out.String(), "failed")
}

func TestSafeGo_LogsError(t *testing.T) {
	logger, out := testLogger()

	SafeGo(context.Background(), logger, time.Second, "revoke sessions", func(ctx context.Context) error {
		return errors.New("store unavailable")
	})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("store unavailable"))
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), `"task":"revoke sessions"`)
}

func TestSafeGo_Timeout(t *testing.T) {
	var canceled atomic.Bool

	SafeGo(context.Background(), nil, 50*time.Millisecond, "slow task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			canceled.Store(true)
			return ctx.Err()
		}
	})

	require.Eventually(t, canceled.Load, time.Second, 10*time.Millisecond)
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	logger, out := testLogger()

	SafeGo(context.Background(), logger, time.Second, "panicky", func(ctx context.Context) error {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("panic: boom"))
	}, time.Second, 10*time.Millisecond)
}

func TestEvery_RunsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	Every(ctx, nil, 10*time.Millisecond, "tick", func(ctx context.Context) {
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)
	stopped := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestEvery_SurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, out := testLogger()
	var runs atomic.Int32

	Every(ctx, logger, 10*time.Millisecond, "flaky", func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("first run")
		}
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "panic: first run")
}
