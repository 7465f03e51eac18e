package notify

import (
	"context"
	"sync"
	"time"
	"trendbot/internal/logger"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindOrderPlaced   Kind = "order_placed"
	KindOrderFilled   Kind = "order_filled"
	KindOrderCanceled Kind = "order_canceled"
	KindOrderRejected Kind = "order_rejected"
	KindDailySummary  Kind = "daily_summary"
	KindHalt          Kind = "halt"
	KindError         Kind = "error"
)

type Event struct {
	Kind    Kind
	Symbol  string
	Message string
	Fields  map[string]any
	At      time.Time
}

type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher доставляет события в приёмники из отдельной горутины.
type Dispatcher struct {
	queue chan Event
	sinks []Sink
	log   *logger.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

func NewDispatcher(size int, log *logger.Logger, sinks ...Sink) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		queue: make(chan Event, size),
		sinks: sinks,
		log:   log,
		done:  make(chan struct{}),
	}
}

func (d *Dispatcher) logEntry() *logrus.Entry {
	return d.log.WithComponent("notify")
}

// Publish никогда не блокирует: при переполненной очереди событие отбрасывается.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped++
		d.logEntry().WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"symbol":  ev.Symbol,
			"dropped": d.dropped,
		}).Warn("Очередь уведомлений переполнена, событие отброшено.")
	}
}

func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run доставляет события до отмены ctx, затем дочитывает очередь.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			d.drain()
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			d.logEntry().WithError(err).WithFields(logrus.Fields{
				"sink": sink.Name(),
				"kind": ev.Kind,
			}).Warn("Не удалось доставить уведомление.")
		}
	}
}
