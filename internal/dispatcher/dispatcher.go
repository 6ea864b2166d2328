// Package dispatcher maintains the durable broker session, enforces bounded
// in-flight work, and spawns one task per delivery. Grounded on the
// teacher's cmd/worker/main.go: the same amqp091-go dial/channel/Qos/
// QueueDeclare/Consume sequence and signal-driven shutdown, restructured
// into an explicit reconnect loop (Disconnected -> Connecting -> Consuming)
// instead of the teacher's single best-effort startup.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/llmworker/internal/metrics"
	"github.com/suPer8Hu/llmworker/internal/processor"
)

const reconnectDelay = 5 * time.Second

type Config struct {
	RabbitURL        string
	Queue            string
	MaxParallelTasks int
}

type Dispatcher struct {
	cfg     Config
	proc    *processor.Processor
	metrics *metrics.Metrics

	mu    sync.RWMutex
	ready bool
}

func New(cfg Config, proc *processor.Processor, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = 1
	}
	return &Dispatcher{cfg: cfg, proc: proc, metrics: m}
}

// Ready reports whether the dispatcher currently holds a live consuming
// session. Used by the health surface's /healthz.
func (d *Dispatcher) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

func (d *Dispatcher) setReady(v bool) {
	d.mu.Lock()
	d.ready = v
	d.mu.Unlock()
}

// Run owns the reconnect loop: any failure of connect, channel open, queue
// declare, or the consume stream terminates the session and triggers a
// fixed sleep before a full reconnect, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		err := d.runSession(ctx)
		if ctx.Err() != nil {
			d.setReady(false)
			return ctx.Err()
		}

		d.setReady(false)
		d.metrics.IncReconnect()
		log.Printf("dispatcher session ended err=%v; reconnecting in %s", err, reconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (d *Dispatcher) runSession(ctx context.Context) error {
	conn, err := amqp.Dial(d.cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(d.cfg.MaxParallelTasks, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	if _, err := ch.QueueDeclare(d.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(d.cfg.Queue, "consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	d.setReady(true)
	log.Printf("dispatcher consuming queue=%s prefetch=%d", d.cfg.Queue, d.cfg.MaxParallelTasks)

	// Counting semaphore of capacity MaxParallelTasks; reset fresh on every
	// session so a reconnect restores the full permit budget.
	permits := make(chan struct{}, d.cfg.MaxParallelTasks)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("consumer stream closed")
			}
			permits <- struct{}{}
			d.metrics.IncInFlight()
			go d.handle(ctx, delivery, permits)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery amqp.Delivery, permits <-chan struct{}) {
	defer func() {
		<-permits
		d.metrics.DecInFlight()
	}()

	// trace_id correlates this delivery's log lines across a concurrent
	// fan-out; it has no meaning to the store or the broker.
	traceID := uuid.NewString()

	settlement := d.proc.Process(ctx, delivery.Body)
	log.Printf("trace_id=%s settlement=%s", traceID, settlement)

	var err error
	switch settlement {
	case processor.SettlementAck:
		err = delivery.Ack(false)
	case processor.SettlementRequeue:
		err = delivery.Nack(false, true)
	case processor.SettlementDrop:
		err = delivery.Nack(false, false)
	case processor.SettlementNone:
		return
	}
	if err != nil {
		// The channel from a prior session may already be gone (reconnect
		// happened underneath this in-flight task); log and discard.
		log.Printf("trace_id=%s settlement=%s broker ack/nack failed, discarding: %v", traceID, settlement, err)
	}
}
