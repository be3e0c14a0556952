package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServe runs Serve in the background and stops it at cleanup.
func startServe(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.serving
	}, time.Second, 5*time.Millisecond)

	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not stop")
		}
	}
	t.Cleanup(func() {
		if ctx.Err() == nil {
			stop()
		}
	})
	return stop
}

func newServeEngine(t *testing.T, backend blackboard.Backend, opts ...Option) *Engine {
	t.Helper()
	schemas := blackboard.NewSchemaRegistry()
	require.NoError(t, blackboard.RegisterType[order](schemas, "Order"))
	require.NoError(t, schemas.Register("Receipt", "order_id"))
	require.NoError(t, schemas.Register("Report"))
	opts = append([]Option{WithTickInterval(5 * time.Millisecond)}, opts...)
	return New(blackboard.New(backend, schemas), opts...)
}

func TestServe_Timers(t *testing.T) {
	e := newServeEngine(t, blackboard.NewMemoryBackend())
	reporter := &calls{}
	_, err := e.AddAgent(Agent{Name: "reporter", Executor: reporter.wrap(emitting(blackboard.MustDraft("Report", map[string]string{"status": "ok"})))},
		&subscription.Subscription{
			Mode:     subscription.ModeDirect,
			Produces: types("Report"),
			Schedule: &subscription.Schedule{Every: 20 * time.Millisecond, MaxRepeats: 3},
		})
	require.NoError(t, err)

	stop := startServe(t, e)
	require.Eventually(t, func() bool { return reporter.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	stop()

	reqs := reporter.all()
	require.Len(t, reqs, 3)
	for i, req := range reqs {
		assert.Equal(t, subscription.ReasonTimer, req.Reason)
		assert.Equal(t, i, req.Iteration)
		assert.Empty(t, req.Trigger)
		assert.False(t, req.ScheduledAt.IsZero())
	}

	reports, err := e.Board().GetByType(context.Background(), "Report")
	require.NoError(t, err)
	assert.Len(t, reports, 3)
	assert.Zero(t, e.timers.Active())
}

func TestServe_ReactsToPublish(t *testing.T) {
	e := newServeEngine(t, blackboard.NewMemoryBackend())
	_, err := e.AddAgent(Agent{Name: "writer", Executor: emitting(blackboard.MustDraft("Receipt", map[string]int{"order_id": 1}))},
		sub(types("Order"), "Receipt"))
	require.NoError(t, err)

	startServe(t, e)
	_, err = e.Publish(context.Background(), blackboard.MustDraft("Order", order{ID: 1, Customer: "A"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		receipts, err := e.Board().GetByType(context.Background(), "Receipt")
		return err == nil && len(receipts) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServe_WakesAtBatchDeadline(t *testing.T) {
	e := newServeEngine(t, blackboard.NewMemoryBackend(), WithTickInterval(time.Hour))
	collector := &calls{}
	_, err := e.AddAgent(Agent{Name: "collector", Executor: collector.wrap(nil)}, &subscription.Subscription{
		ConsumedTypes: types("Report"),
		Batch:         &subscription.BatchSpec{MaxSize: 10, MaxWait: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	startServe(t, e)
	_, err = e.Publish(context.Background(), blackboard.MustDraft("Report", map[string]string{"status": "ok"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return collector.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, subscription.ReasonBatchTimeout, collector.all()[0].Reason)
}

func TestServe_RejectsChanges(t *testing.T) {
	e := newServeEngine(t, blackboard.NewMemoryBackend())
	noop := emitting()
	_, err := e.AddAgent(Agent{Name: "writer", Executor: noop}, sub(types("Order")))
	require.NoError(t, err)

	startServe(t, e)

	_, err = e.AddAgent(Agent{Name: "late", Executor: noop}, sub(types("Order")))
	assert.ErrorIs(t, err, ErrServing)
	assert.ErrorIs(t, e.Serve(context.Background()), ErrServing)
}

// Artifacts appended by another process sharing the Redis instance reach the
// serving engine through the events channel.
func TestServe_RedisEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	newBackend := func() *blackboard.RedisBackend {
		b, err := blackboard.NewRedisBackend(&redis.Options{Addr: mr.Addr()}, "serve-test")
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	e := newServeEngine(t, newBackend())
	writer := &calls{}
	_, err := e.AddAgent(Agent{Name: "writer", Executor: writer.wrap(emitting(blackboard.MustDraft("Receipt", map[string]int{"order_id": 7})))},
		sub(types("Order"), "Receipt"))
	require.NoError(t, err)

	startServe(t, e)

	other := blackboard.New(newBackend(), e.Board().Schemas())
	placed, err := other.Publish(context.Background(), blackboard.MustDraft("Order", order{ID: 7, Customer: "remote"}), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return writer.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, placed.ID, writer.all()[0].Trigger[0].ID)

	require.Eventually(t, func() bool {
		stored, err := other.Get(context.Background(), placed.ID)
		return err == nil && stored.IsConsumedBy("writer")
	}, time.Second, 5*time.Millisecond)

	// Local publishes also echo through the channel; they must run once.
	_, err = e.Publish(context.Background(), blackboard.MustDraft("Order", order{ID: 8, Customer: "local"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return writer.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, writer.count())
}

func TestHealthServer(t *testing.T) {
	t.Run("method not allowed", func(t *testing.T) {
		e := newServeEngine(t, blackboard.NewMemoryBackend())
		server := NewHealthServer(e, "127.0.0.1:0")

		w := httptest.NewRecorder()
		server.healthCheckHandler(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("healthy store", func(t *testing.T) {
		e := newServeEngine(t, blackboard.NewMemoryBackend(), WithInstance("prod"))
		_, err := e.AddAgent(Agent{Name: "writer", Executor: emitting()}, sub(types("Order")))
		require.NoError(t, err)
		server := NewHealthServer(e, "127.0.0.1:0")

		w := httptest.NewRecorder()
		server.healthCheckHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "healthy", response.Status)
		assert.Equal(t, "connected", response.Store)
		assert.Equal(t, "prod", response.Instance)
		assert.Equal(t, 1, response.Agents)
	})

	t.Run("unhealthy when Redis is down", func(t *testing.T) {
		mr := miniredis.RunT(t)
		backend, err := blackboard.NewRedisBackend(&redis.Options{
			Addr:        mr.Addr(),
			DialTimeout: 50 * time.Millisecond,
			ReadTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		}, "health")
		require.NoError(t, err)
		defer backend.Close()
		mr.Close()

		server := NewHealthServer(newServeEngine(t, backend), "127.0.0.1:0")
		w := httptest.NewRecorder()
		server.healthCheckHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var response HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "unhealthy", response.Status)
		assert.Equal(t, "disconnected", response.Store)
		assert.NotEmpty(t, response.Error)
	})

	t.Run("served over HTTP while serving", func(t *testing.T) {
		e := newServeEngine(t, blackboard.NewMemoryBackend())
		server := NewHealthServer(e, "127.0.0.1:0")
		require.NoError(t, server.Start())
		defer server.Shutdown(context.Background())

		resp, err := http.Get("http://" + server.Addr() + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
