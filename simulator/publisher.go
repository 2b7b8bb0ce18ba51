package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dronefleet/control/dispatch"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Queue is a bounded MPSC-style local queue with an oldest-drop
// overflow policy: drone loops never block on the publisher.
type Queue struct {
	mu    sync.Mutex
	items []dispatch.DroneUpdate
	max   int
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 2000
	}
	return &Queue{max: max}
}

// Push enqueues upd, dropping the oldest entry first if the queue is
// already at capacity.
func (q *Queue) Push(upd dispatch.DroneUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, upd)
}

// drain removes and returns every currently queued item.
func (q *Queue) drain() []dispatch.DroneUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

// Publisher owns the broker connection for every drone loop in this
// process: it drains the shared queue and publishes to drone_updates,
// reconnecting with exponential backoff capped at 5s and re-declaring
// the queue idempotently on every (re)connect. Decoupling the broker
// from the per-drone tick loops means broker slowness never stalls
// movement/battery simulation.
type Publisher struct {
	url   string
	queue string
	q     *Queue
	log   *logrus.Entry

	drainEvery time.Duration
}

func NewPublisher(url, queueName string, q *Queue, log *logrus.Entry) *Publisher {
	return &Publisher{url: url, queue: queueName, q: q, log: log.WithField("component", "drone_publisher"), drainEvery: 100 * time.Millisecond}
}

// Run connects, publishes drained batches on a tight interval, and
// reconnects on any channel/connection error until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for ctx.Err() == nil {
		conn, ch, err := p.connect()
		if err != nil {
			p.log.WithError(err).Warn("connect failed, retrying")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = 250 * time.Millisecond

		err = p.drainLoop(ctx, ch)
		ch.Close()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.WithError(err).Warn("publish loop error, reconnecting")
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = minDuration(backoff*2, maxBackoff)
	}
}

func (p *Publisher) connect() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func (p *Publisher) drainLoop(ctx context.Context, ch *amqp.Channel) error {
	t := time.NewTicker(p.drainEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, upd := range p.q.drain() {
				body, err := json.Marshal(upd)
				if err != nil {
					continue
				}
				if err := ch.Publish("", p.queue, false, false, amqp.Publishing{
					ContentType:  "application/json",
					DeliveryMode: amqp.Persistent,
					Body:         body,
					Timestamp:    time.Now(),
				}); err != nil {
					return err
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
