package hook

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
)

func newTestPipeline(t *testing.T, config Config) (*Pipeline, *events.Bus) {
	t.Helper()
	bus := events.NewBus(hclog.NewNullLogger())
	pipeline := NewPipeline(config, bus, hclog.NewNullLogger())
	t.Cleanup(func() { pipeline.Close() })
	return pipeline, bus
}

func TestExecuteDescendingPriorityOrder(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	var order []int
	for _, priority := range []int{10, 30, 20} {
		prio := priority
		_, err := pipeline.Register("content.render", func(ctx context.Context, hctx *Context) (interface{}, error) {
			order = append(order, prio)
			return prio, nil
		}, RegisterOptions{PluginID: "p1", Priority: prio})
		require.NoError(t, err)
	}

	results, err := pipeline.Execute(context.Background(), "content.render", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{30, 20, 10}, order)
	for _, result := range results {
		assert.Equal(t, ResultSuccess, result.Status)
	}
}

func TestExecuteStopPropagation(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("page.load", func(ctx context.Context, hctx *Context) (interface{}, error) {
		hctx.StopPropagation()
		return "first", nil
	}, RegisterOptions{Priority: 30})

	invoked := false
	pipeline.Register("page.load", func(ctx context.Context, hctx *Context) (interface{}, error) {
		invoked = true
		return "second", nil
	}, RegisterOptions{Priority: 20})
	pipeline.Register("page.load", func(ctx context.Context, hctx *Context) (interface{}, error) {
		invoked = true
		return "third", nil
	}, RegisterOptions{Priority: 10})

	results, err := pipeline.Execute(context.Background(), "page.load", NewContext(nil))
	require.NoError(t, err)

	// 高优先级处理函数阻止传播后，后续处理函数不产生任何执行结果
	assert.Len(t, results, 1)
	assert.False(t, invoked)
}

func TestExecuteContextMutationVisibleToNext(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("title.build", func(ctx context.Context, hctx *Context) (interface{}, error) {
		hctx.Set("title", "草稿")
		return nil, nil
	}, RegisterOptions{Priority: 20})

	var seen interface{}
	pipeline.Register("title.build", func(ctx context.Context, hctx *Context) (interface{}, error) {
		seen, _ = hctx.Get("title")
		return nil, nil
	}, RegisterOptions{Priority: 10})

	_, err := pipeline.Execute(context.Background(), "title.build", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, "草稿", seen)
}

func TestExecuteFailureIsolation(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("save", func(ctx context.Context, hctx *Context) (interface{}, error) {
		panic("故障插件")
	}, RegisterOptions{PluginID: "bad", Priority: 20})

	invoked := false
	pipeline.Register("save", func(ctx context.Context, hctx *Context) (interface{}, error) {
		invoked = true
		return nil, nil
	}, RegisterOptions{PluginID: "good", Priority: 10})

	results, err := pipeline.Execute(context.Background(), "save", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 一个处理函数的失败不影响其余处理函数
	assert.Equal(t, ResultFailed, results[0].Status)
	assert.Error(t, results[0].Error)
	assert.Equal(t, ResultSuccess, results[1].Status)
	assert.True(t, invoked)
}

func TestExecuteTimeout(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("slow", func(ctx context.Context, hctx *Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, RegisterOptions{Timeout: 20 * time.Millisecond})

	results, err := pipeline.Execute(context.Background(), "slow", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultFailed, results[0].Status)
	assert.True(t, errors.IsType(results[0].Error, errors.ErrorTypeExecution))
}

func TestExecuteRetryLinearBackoff(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 2
	config.RetryBackoff = time.Millisecond
	pipeline, _ := newTestPipeline(t, config)

	calls := 0
	pipeline.Register("flaky", func(ctx context.Context, hctx *Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New(errors.ErrorTypeTemporary, "FLAKY", "临时故障")
		}
		return "ok", nil
	}, RegisterOptions{})

	results, err := pipeline.Execute(context.Background(), "flaky", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultSuccess, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 3, calls)
}

func TestExecuteCircuitBreakerSkips(t *testing.T) {
	config := DefaultConfig()
	config.BreakerThreshold = 2
	config.BreakerCooldown = time.Hour
	pipeline, bus := newTestPipeline(t, config)

	var opened int32
	bus.Subscribe(events.EventCircuitOpened, func(event events.Event) {
		atomic.AddInt32(&opened, 1)
	})

	calls := 0
	hookID, err := pipeline.Register("broken", func(ctx context.Context, hctx *Context) (interface{}, error) {
		calls++
		return nil, errors.New(errors.ErrorTypeExecution, "BOOM", "处理失败")
	}, RegisterOptions{PluginID: "bad"})
	require.NoError(t, err)

	// 达到阈值后熔断器打开
	pipeline.Execute(context.Background(), "broken", NewContext(nil))
	pipeline.Execute(context.Background(), "broken", NewContext(nil))
	state, err := pipeline.BreakerState(hookID)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, state)
	assert.Equal(t, int32(1), atomic.LoadInt32(&opened))

	// 熔断期间处理函数被跳过而不是调用
	results, err := pipeline.Execute(context.Background(), "broken", NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultSkipped, results[0].Status)
	assert.Equal(t, 2, calls)
}

func TestExecuteMaxConcurrentRejects(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrent = 1
	pipeline, _ := newTestPipeline(t, config)

	release := make(chan struct{})
	started := make(chan struct{})
	pipeline.Register("busy", func(ctx context.Context, hctx *Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, RegisterOptions{Timeout: time.Second})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Execute(context.Background(), "busy", NewContext(nil))
	}()

	<-started
	// 超出上限的调用被拒绝而不是排队
	_, err := pipeline.Execute(context.Background(), "busy", NewContext(nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeTemporary))

	close(release)
	wg.Wait()
}

func TestUnregisterPlugin(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("a", func(ctx context.Context, hctx *Context) (interface{}, error) { return nil, nil }, RegisterOptions{PluginID: "p1"})
	pipeline.Register("b", func(ctx context.Context, hctx *Context) (interface{}, error) { return nil, nil }, RegisterOptions{PluginID: "p1"})
	pipeline.Register("a", func(ctx context.Context, hctx *Context) (interface{}, error) { return nil, nil }, RegisterOptions{PluginID: "p2"})

	assert.Equal(t, 2, pipeline.UnregisterPlugin("p1"))
	assert.Len(t, pipeline.Registrations("a"), 1)
	assert.Empty(t, pipeline.Registrations("b"))
}

func TestUnregisterNotFound(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())
	assert.True(t, errors.IsNotFound(pipeline.Unregister("missing")))
}

func TestMetricsRecorded(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	pipeline.Register("m", func(ctx context.Context, hctx *Context) (interface{}, error) {
		return nil, nil
	}, RegisterOptions{Priority: 10})
	pipeline.Register("m", func(ctx context.Context, hctx *Context) (interface{}, error) {
		return nil, errors.New(errors.ErrorTypeExecution, "FAIL", "失败")
	}, RegisterOptions{Priority: 5})

	pipeline.Execute(context.Background(), "m", NewContext(nil))
	pipeline.Execute(context.Background(), "m", NewContext(nil))

	metrics, ok := pipeline.Metrics("m")
	require.True(t, ok)
	assert.Equal(t, int64(4), metrics.ExecutionCount)
	assert.Equal(t, int64(2), metrics.SuccessCount)
	assert.Equal(t, int64(2), metrics.FailureCount)
	assert.GreaterOrEqual(t, metrics.MaxLatency, metrics.MinLatency)
}

func TestMetricsPrune(t *testing.T) {
	store := newMetricsStore(time.Millisecond)
	store.record("old", true, time.Millisecond, 0)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, store.prune())
	_, ok := store.get("old")
	assert.False(t, ok)
}

func TestSetEnabled(t *testing.T) {
	pipeline, _ := newTestPipeline(t, DefaultConfig())

	calls := 0
	hookID, _ := pipeline.Register("toggle", func(ctx context.Context, hctx *Context) (interface{}, error) {
		calls++
		return nil, nil
	}, RegisterOptions{})

	require.NoError(t, pipeline.SetEnabled(hookID, false))
	results, _ := pipeline.Execute(context.Background(), "toggle", NewContext(nil))
	assert.Empty(t, results)
	assert.Equal(t, 0, calls)

	require.NoError(t, pipeline.SetEnabled(hookID, true))
	pipeline.Execute(context.Background(), "toggle", NewContext(nil))
	assert.Equal(t, 1, calls)
}
