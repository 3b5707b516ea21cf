package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/fabricbridge/fabric"
	"github.com/glimte/fabricbridge/transports/memory"
)

// mockClient is a fabric.Client driven by testify expectations
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockClient) ClientID() string {
	return "mock-client"
}

func (m *mockClient) AddEventHandler(ctx context.Context, topic string, handler fabric.EventHandler) error {
	return m.Called(ctx, topic, handler).Error(0)
}

func (m *mockClient) RegisterService(ctx context.Context, info *fabric.ServiceInfo, timeout time.Duration) error {
	return m.Called(ctx, info, timeout).Error(0)
}

func (m *mockClient) UnregisterService(ctx context.Context, info *fabric.ServiceInfo) error {
	return m.Called(ctx, info).Error(0)
}

func (m *mockClient) SendEvent(ctx context.Context, event *fabric.Message) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockClient) SendResponse(ctx context.Context, response *fabric.Message) error {
	return m.Called(ctx, response).Error(0)
}

func (m *mockClient) SyncRequest(ctx context.Context, request *fabric.Message, timeout time.Duration) (*fabric.Message, error) {
	args := m.Called(ctx, request, timeout)
	resp, _ := args.Get(0).(*fabric.Message)
	return resp, args.Error(1)
}

// mockDialer counts dials and hands out a fixed client or error
type mockDialer struct {
	mock.Mock
}

func (d *mockDialer) Dial(ctx context.Context, source string) (fabric.Client, error) {
	args := d.Called(ctx, source)
	client, _ := args.Get(0).(fabric.Client)
	return client, args.Error(1)
}

func memoryDialer(b *memory.Broker) fabric.Dialer {
	return fabric.DialerFunc(func(ctx context.Context, source string) (fabric.Client, error) {
		return b.NewClient(), nil
	})
}

func quiet() Option {
	return WithLogger(zerolog.Nop())
}

type runResult struct {
	summary string
	err     error
}

func runAsync(fn func() (string, error)) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		summary, err := fn()
		ch <- runResult{summary: summary, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not return")
		return runResult{}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// metricCounts is a point-in-time copy of recordingMetrics
type metricCounts struct {
	eventsReceived  int
	published       int
	publishFailures int
	handled         int
	handledErrors   int
	sent            int
	sendFailures    int
	running         map[string]int
}

// recordingMetrics counts calls for assertions
type recordingMetrics struct {
	mu     sync.Mutex
	counts metricCounts
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: metricCounts{running: make(map[string]int)}}
}

func (r *recordingMetrics) EventReceived(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.eventsReceived++
}

func (r *recordingMetrics) EventPublished(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.published++
	if err != nil {
		r.counts.publishFailures++
	}
}

func (r *recordingMetrics) RequestHandled(isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.handled++
	if isError {
		r.counts.handledErrors++
	}
}

func (r *recordingMetrics) RequestSent(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.sent++
	if err != nil {
		r.counts.sendFailures++
	}
}

func (r *recordingMetrics) LoopStarted(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.running[role]++
}

func (r *recordingMetrics) LoopStopped(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.running[role]--
}

func (r *recordingMetrics) snapshot() metricCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counts
	c.running = make(map[string]int, len(r.counts.running))
	for k, v := range r.counts.running {
		c.running[k] = v
	}
	return c
}
