// Package worker implements C4, the Worker Pool / Data Processor
// (spec.md §4.4): a startup drain pass followed by max_process bounded
// concurrency consumers, each isolating its job in a child process.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	wp "github.com/JekaMas/workerpool"
	"github.com/streadway/amqp"

	"github.com/qdatasvc/qdata-server/internal/coalescing"
	"github.com/qdatasvc/qdata-server/internal/fingerprint"
	"github.com/qdatasvc/qdata-server/internal/metrics"
	"github.com/qdatasvc/qdata-server/internal/provider"
	"github.com/qdatasvc/qdata-server/internal/queue"
	"github.com/qdatasvc/qdata-server/internal/task"
	"github.com/qdatasvc/qdata-server/internal/xlog"
)

// drainer is the narrow slice of coalescing.Index this package depends on
// (modeled on coalescing's own listStore/locker pattern), so pool_test.go
// can exercise Drain/consumeLoop's dispatch logic against a fake WaitSet
// without a live Redis-backed Index.
type drainer interface {
	Drain(ctx context.Context, fp fingerprint.Fingerprint) ([]string, error)
}

// amqpChannel is the narrow slice of *queue.Channel this package depends
// on, so tests can exercise Pool's loops against an in-memory fake instead
// of a live broker connection.
type amqpChannel interface {
	SetPrefetch(n int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Inspect() (int, error)
	Close() error
	Publish(body []byte) error
}

// Pool runs C4's startup drain pass and steady-state consumers.
type Pool struct {
	conn           *amqp.Connection
	idx            drainer
	taskQueueName  string
	msgQueueName   string
	maxProcess     int
	maxConcurrency int
	inactivity     time.Duration
	exePath        string
	uriProvider    provider.URIProvider
	metrics        *metrics.Metrics
	log            xlog.Logger

	// newChannel opens a channel bound to a queue name; defaults to
	// queue.NewChannel, swapped out in tests for an in-memory fake.
	newChannel func(conn *amqp.Connection, queue string) (amqpChannel, error)
}

// Params bundles Pool's constructor arguments.
type Params struct {
	Conn              *amqp.Connection
	Index             *coalescing.Index
	TaskQueueName     string
	MessageQueueName  string
	MaxProcess        int
	MaxConcurrency    int
	InactivityTimeout time.Duration
	ExePath           string
	URIProvider       provider.URIProvider
	Metrics           *metrics.Metrics
}

// New builds a Pool ready to Drain then Run.
func New(p Params) *Pool {
	return &Pool{
		conn:           p.Conn,
		idx:            p.Index,
		taskQueueName:  p.TaskQueueName,
		msgQueueName:   p.MessageQueueName,
		maxProcess:     p.MaxProcess,
		maxConcurrency: p.MaxConcurrency,
		inactivity:     p.InactivityTimeout,
		exePath:        p.ExePath,
		uriProvider:    p.URIProvider,
		metrics:        p.Metrics,
		log:            xlog.New("component", "data_processor"),
		newChannel: func(conn *amqp.Connection, q string) (amqpChannel, error) {
			return queue.NewChannel(conn, q)
		},
	}
}

// Drain runs the startup drain pass (spec.md §4.4): before accepting new
// work, clear any WaitSets left stale by a previous crash so a redelivered
// task after restart doesn't produce ghost notifications.
func (p *Pool) Drain(ctx context.Context) error {
	ch, err := p.newChannel(p.conn, p.taskQueueName)
	if err != nil {
		return fmt.Errorf("worker: drain: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.SetPrefetch(p.maxConcurrency); err != nil {
		return fmt.Errorf("worker: drain: %w", err)
	}
	deliveries, err := ch.Consume("qdata-drain")
	if err != nil {
		return fmt.Errorf("worker: drain: %w", err)
	}

	p.log.Info("clear old tasks...")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p.clearTask(ctx, d)
			if err := queue.Ack(d); err != nil {
				// An ack failure during the drain pass is logged and the
				// loop continues (spec.md §7 "Propagation policy").
				p.log.Error("drain ack failed", "err", err)
			}
		case <-time.After(p.inactivity):
			n, err := ch.Inspect()
			if err != nil {
				p.log.Error("drain inspect failed", "err", err)
				return nil
			}
			if n == 0 {
				return nil
			}
		}
	}
}

func (p *Pool) clearTask(ctx context.Context, d amqp.Delivery) {
	var env task.TaskEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		p.log.Error("drain: malformed envelope", "err", err)
		return
	}
	fp, err := fingerprint.ForEnvelope(env.Meta.Kind, env.Args, p.uriProvider)
	if err != nil {
		p.log.Error("drain: fingerprint mismatch", "err", err)
		return
	}
	if _, err := p.idx.Drain(ctx, fp); err != nil {
		p.log.Error("drain: index drain failed", "fingerprint", fp, "err", err)
	}
}

// Run starts maxProcess independent consumers, each with its own channel
// at prefetch=1 (spec.md §4.4 steady state), and blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context, handlers KindHandlers) error {
	pool := wp.New(p.maxProcess)
	var wg sync.WaitGroup
	errCh := make(chan error, p.maxProcess)

	for i := 0; i < p.maxProcess; i++ {
		wg.Add(1)
		id := i
		pool.Submit(func() {
			defer wg.Done()
			if err := p.consumeLoop(ctx, id, handlers); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		})
	}

	<-ctx.Done()
	wg.Wait()
	pool.StopWait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// responsePublisher holds the lazily-created response-publish channel for one
// steady-state consumer; it must be built after this goroutine/process
// starts, never inherited, per spec.md §9 "Lazy channel after fork".
type responsePublisher struct {
	once sync.Once
	ch   amqpChannel
	err  error
}

func (p *Pool) consumeLoop(ctx context.Context, id int, handlers KindHandlers) error {
	log := p.log.New("worker", id)

	taskCh, err := p.newChannel(p.conn, p.taskQueueName)
	if err != nil {
		return fmt.Errorf("worker %d: open task channel: %w", id, err)
	}
	defer taskCh.Close()
	if err := taskCh.SetPrefetch(1); err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}

	deliveries, err := taskCh.Consume(fmt.Sprintf("qdata-worker-%d", id))
	if err != nil {
		return fmt.Errorf("worker %d: consume: %w", id, err)
	}

	var resp responsePublisher

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p.processOne(ctx, log, d, handlers, &resp)
		}
	}
}

func (p *Pool) getResponseChannel(resp *responsePublisher) (amqpChannel, error) {
	resp.once.Do(func() {
		resp.ch, resp.err = p.newChannel(p.conn, p.msgQueueName)
	})
	return resp.ch, resp.err
}

func (p *Pool) processOne(ctx context.Context, log xlog.Logger, d amqp.Delivery, handlers KindHandlers, resp *responsePublisher) {
	if p.metrics != nil {
		p.metrics.InFlightJobs.Inc()
		defer p.metrics.InFlightJobs.Dec()
	}

	var env task.TaskEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Error("malformed task envelope", "err", err)
		_ = queue.Ack(d) // can't recompute a fingerprint; ack to avoid a poison-message loop
		return
	}

	fp, err := fingerprint.ForEnvelope(env.Meta.Kind, env.Args, p.uriProvider)
	if err != nil {
		log.Error("fingerprint recompute failed", "err", err)
		_ = queue.Ack(d)
		return
	}

	log.Info("received task", "kind", env.Meta.Kind, "fingerprint", fp)

	result := SpawnChild(ctx, p.exePath, ChildJob{Kind: env.Meta.Kind, Args: env.Args, Fingerprint: fp})
	if result.Status != task.StatusOK {
		log.Error("task handler failed", "kind", env.Meta.Kind, "fingerprint", fp, "detail", result.Detail)
	}

	ssids, err := p.idx.Drain(ctx, fp)
	if err != nil {
		log.Error("coalescing drain failed", "fingerprint", fp, "err", err)
		_ = queue.Ack(d)
		return
	}
	if len(ssids) > 0 {
		respCh, err := p.getResponseChannel(resp)
		if err != nil {
			log.Error("open response channel failed", "err", err)
		} else {
			env := task.ResponseEnvelope{
				Kind:    env.Meta.Kind,
				Ssids:   ssids,
				Payload: result.Payload,
				Status:  result.Status,
				Detail:  result.Detail,
			}
			body, err := json.Marshal(env)
			if err != nil {
				log.Error("encode response envelope failed", "err", err)
			} else if err := respCh.Publish(body); err != nil {
				log.Error("publish response failed", "err", err)
			} else if p.metrics != nil {
				p.metrics.TasksPublishedTotal.Inc()
			}
		}
	}
	// else: WaitSet was already empty, no one is listening — skip the
	// publish (spec.md §4.4 kind handlers).

	if err := queue.Ack(d); err != nil {
		log.Error("ack failed", "err", err)
	}
}
