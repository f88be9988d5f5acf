package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/goleak"

	"github.com/qdatasvc/qdata-server/internal/fingerprint"
	"github.com/qdatasvc/qdata-server/internal/task"
)

// fakeChannel stands in for *queue.Channel: an in-memory amqpChannel that
// lets Drain/consumeLoop's goroutine lifecycle be exercised without a live
// broker connection.
type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  [][]byte
	prefetch   int
}

func (f *fakeChannel) SetPrefetch(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = n
	return nil
}

func (f *fakeChannel) Consume(string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Inspect() (int, error) { return 0, nil }

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Publish(body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, body)
	return nil
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeDrainer stands in for *coalescing.Index, recording every fingerprint
// it was asked to drain and returning a fixed WaitSet.
type fakeDrainer struct {
	mu    sync.Mutex
	calls []fingerprint.Fingerprint
	ssids []string
}

func (f *fakeDrainer) Drain(_ context.Context, fp fingerprint.Fingerprint) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fp)
	return f.ssids, nil
}

func (f *fakeDrainer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ackNoop satisfies amqp.Acknowledger so a hand-built amqp.Delivery can be
// acked/nacked in tests without a broker on the other end.
type ackNoop struct{}

func (ackNoop) Ack(uint64, bool) error       { return nil }
func (ackNoop) Nack(uint64, bool, bool) error { return nil }
func (ackNoop) Reject(uint64, bool) error     { return nil }

func calendarEnvelope(t *testing.T) amqp.Delivery {
	t.Helper()
	env := task.TaskEnvelope{
		Meta: task.TaskMeta{Kind: task.KindCalendar, OriginSsid: "s1"},
		Args: json.RawMessage(`{"start_time":"2020-01-01","end_time":"2020-01-07","freq":"day"}`),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return amqp.Delivery{Body: body, Acknowledger: ackNoop{}}
}

func TestDrainClearsStaleWaitSetsAndStopsOnClosedQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- calendarEnvelope(t)
	close(deliveries)

	ch := &fakeChannel{deliveries: deliveries}
	idx := &fakeDrainer{}

	p := New(Params{MaxConcurrency: 4, InactivityTimeout: time.Second})
	p.idx = idx
	p.newChannel = func(*amqp.Connection, string) (amqpChannel, error) { return ch, nil }

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if idx.callCount() != 1 {
		t.Fatalf("expected one stale WaitSet drained, got %d", idx.callCount())
	}
	if ch.prefetch != 4 {
		t.Fatalf("expected drain prefetch set to max_concurrency (4), got %d", ch.prefetch)
	}
}

func TestDrainStopsImmediatelyOnAlreadyClosedQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	ch := &fakeChannel{deliveries: deliveries}
	p := New(Params{MaxConcurrency: 1, InactivityTimeout: time.Second})
	p.idx = &fakeDrainer{}
	p.newChannel = func(*amqp.Connection, string) (amqpChannel, error) { return ch, nil }

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestRunDispatchesTaskAndPublishesResponseThenStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- calendarEnvelope(t)
	close(deliveries)

	ch := &fakeChannel{deliveries: deliveries}
	idx := &fakeDrainer{ssids: []string{"waiting-ssid"}}

	p := New(Params{
		MaxProcess:     1,
		MaxConcurrency: 1,
		// A path that can't exist so SpawnChild fails fast with an
		// INVALID result instead of actually forking a process.
		ExePath: "/nonexistent-qdata-test-binary",
	})
	p.idx = idx
	p.newChannel = func(*amqp.Connection, string) (amqpChannel, error) { return ch, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx, KindHandlers{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if idx.callCount() != 1 {
		t.Fatalf("expected exactly one coalescing drain for the dispatched task, got %d", idx.callCount())
	}
	if ch.publishedCount() != 1 {
		t.Fatalf("expected one response published to the waiting ssid, got %d", ch.publishedCount())
	}
}
