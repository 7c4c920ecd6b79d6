package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Dispatcher sends messages in the background after the state change that
// produced them has been committed. Dispatch never blocks the caller and a
// delivery failure is only logged.
type Dispatcher struct {
	sender  Sender
	log     *zap.Logger
	timeout time.Duration

	queue  chan Message
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed and the close of queue
	closed bool
}

func NewDispatcher(sender Sender, log *zap.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		sender:  sender,
		log:     log,
		timeout: 15 * time.Second,
		queue:   make(chan Message, queueSize),
	}

	d.wg.Add(1)
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, msg); err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("to", msg.To),
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Dispatch queues msgs for delivery. Messages dispatched after Close are
// dropped with a warning.
func (d *Dispatcher) Dispatch(msgs ...Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		for _, msg := range msgs {
			d.log.Warn("notification dispatcher closed, dropping message",
				zap.String("to", msg.To),
				zap.String("subject", msg.Subject),
			)
		}
		return
	}

	for _, msg := range msgs {
		select {
		case d.queue <- msg:
		default:
			d.log.Warn("notification queue full, dropping message",
				zap.String("to", msg.To),
				zap.String("subject", msg.Subject),
			)
		}
	}
}

// Close stops accepting messages and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
