package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchStep struct {
	msg kafka.Message
	err error
}

// stubFetcher plays back a scripted sequence of fetch results, then blocks
// until the consumer context is cancelled, like a quiet topic would.
type stubFetcher struct {
	mu         sync.Mutex
	steps      []fetchStep
	commits    []int64
	fetchTimes []time.Time
	closed     bool
}

func (f *stubFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	f.fetchTimes = append(f.fetchTimes, time.Now())
	if len(f.steps) > 0 {
		step := f.steps[0]
		f.steps = f.steps[1:]
		f.mu.Unlock()
		return step.msg, step.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *stubFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.commits = append(f.commits, m.Offset)
	}
	return nil
}

func (f *stubFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *stubFetcher) committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.commits...)
}

type handlerFunc func(ctx context.Context, topic string, payload []byte) error

func (h handlerFunc) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	return h(ctx, topic, payload)
}

// recordingHandler fails any payload containing "poison" and records the rest.
type recordingHandler struct {
	mu      sync.Mutex
	handled map[string][]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{handled: make(map[string][]string)}
}

func (h *recordingHandler) HandleMessage(_ context.Context, topic string, payload []byte) error {
	if strings.Contains(string(payload), "poison") {
		return errors.New("handler failure")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled[topic] = append(h.handled[topic], string(payload))
	return nil
}

func (h *recordingHandler) byTopic(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled[topic]...)
}

func msg(offset int64, payload string) fetchStep {
	return fetchStep{msg: kafka.Message{Offset: offset, Value: []byte(payload)}}
}

func runPool(t *testing.T, readers map[string]fetcher, handler MessageHandler, settle time.Duration) {
	t.Helper()
	pool := &Pool{readers: readers, handler: handler}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	time.Sleep(settle)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestPoolCommitsAfterHandling(t *testing.T) {
	f := &stubFetcher{steps: []fetchStep{msg(0, "a"), msg(1, "b")}}
	h := newRecordingHandler()

	runPool(t, map[string]fetcher{"order-events": f}, h, 100*time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, h.byTopic("order-events"))
	assert.Equal(t, []int64{0, 1}, f.committed())
	assert.True(t, f.closed, "reader must be closed on shutdown")
}

func TestPoolWithholdsCommitOnHandlerError(t *testing.T) {
	f := &stubFetcher{steps: []fetchStep{msg(0, "poison"), msg(1, "ok")}}
	h := newRecordingHandler()

	runPool(t, map[string]fetcher{"order-events": f}, h, 100*time.Millisecond)

	// The failed offset is never committed; the loop moves on so the
	// message comes back on a later redelivery, not by blocking the topic.
	assert.Equal(t, []int64{1}, f.committed())
	assert.Equal(t, []string{"ok"}, h.byTopic("order-events"))
}

func TestPoolSurvivesFetchErrors(t *testing.T) {
	f := &stubFetcher{steps: []fetchStep{
		{err: errors.New("broker unavailable")},
		msg(0, "after-recovery"),
	}}
	h := newRecordingHandler()

	runPool(t, map[string]fetcher{"user-events": f}, h, 100*time.Millisecond)

	assert.Equal(t, []string{"after-recovery"}, h.byTopic("user-events"))
	assert.Equal(t, []int64{0}, f.committed())
}

func TestPoolBacksOffAfterFetchError(t *testing.T) {
	f := &stubFetcher{steps: []fetchStep{
		{err: errors.New("broker unavailable")},
		msg(0, "after-recovery"),
	}}
	h := newRecordingHandler()

	pool := &Pool{readers: map[string]fetcher{"user-events": f}, handler: h, backoff: 150 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	time.Sleep(400 * time.Millisecond)
	cancel()
	pool.Wait()

	assert.Equal(t, []string{"after-recovery"}, h.byTopic("user-events"))

	f.mu.Lock()
	times := append([]time.Time(nil), f.fetchTimes...)
	f.mu.Unlock()
	require.GreaterOrEqual(t, len(times), 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 150*time.Millisecond,
		"the loop must pause after a failed fetch instead of spinning")
}

func TestPoolIsolatesTopics(t *testing.T) {
	bad := &stubFetcher{steps: []fetchStep{msg(0, "poison"), msg(1, "poison"), msg(2, "poison")}}
	good := &stubFetcher{steps: []fetchStep{msg(0, "fine-1"), msg(1, "fine-2")}}
	h := newRecordingHandler()

	runPool(t, map[string]fetcher{"stock-events": bad, "order-events": good}, h, 150*time.Millisecond)

	// A burst of failures on one topic never stalls another.
	assert.Empty(t, bad.committed())
	assert.Equal(t, []int64{0, 1}, good.committed())
	assert.Equal(t, []string{"fine-1", "fine-2"}, h.byTopic("order-events"))
}

func TestPoolStopsMidStream(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocking := handlerFunc(func(ctx context.Context, _ string, _ []byte) error {
		once.Do(func() { close(release) })
		<-ctx.Done()
		return ctx.Err()
	})

	f := &stubFetcher{steps: []fetchStep{msg(0, "slow")}}
	pool := &Pool{readers: map[string]fetcher{"budget-events": f}, handler: blocking}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	<-release
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation must reach an in-flight handler")
	}
	require.Empty(t, f.committed(), "interrupted handling must not commit")
}
