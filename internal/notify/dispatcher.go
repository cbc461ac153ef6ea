// Package notify delivers lifecycle events by email. The Dispatcher accepts
// events from the engine after commit and sends them from a background
// worker, retrying failed deliveries before recording them as failed.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// LogStore records delivery outcomes.
type LogStore interface {
	InsertNotificationLog(ctx context.Context, entry *models.NotificationLog) error
}

type Options struct {
	QueueSize   int
	MaxAttempts int
	// Backoff is the wait before the second attempt. It doubles after each failure.
	Backoff time.Duration
	// OnResult, when set, observes every logged outcome.
	OnResult func(models.NotificationLog)
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
}

// Dispatcher implements engine.Notifier.
type Dispatcher struct {
	sender Sender
	logs   LogStore
	log    *zap.Logger
	opts   Options

	mu     sync.RWMutex
	closed bool
	queue  chan Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the delivery worker. Call Close to stop it.
func NewDispatcher(sender Sender, logs LogStore, log *zap.Logger, opts Options) *Dispatcher {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender: sender,
		logs:   logs,
		log:    log,
		opts:   opts,
		queue:  make(chan Message, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue splits events into one message per recipient. It never blocks: when
// the queue is full the remaining messages are logged as failed and
// ErrQueueFull is returned.
func (d *Dispatcher) Enqueue(ctx context.Context, events ...engine.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	var dropped []Message
	for _, ev := range events {
		for _, to := range ev.Recipients {
			msg := Message{EventType: ev.Type, RelatedID: ev.RelatedID, To: to, Subject: ev.Subject, Body: ev.Body}
			select {
			case d.queue <- msg:
			default:
				dropped = append(dropped, msg)
			}
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	for _, msg := range dropped {
		d.record(ctx, msg, models.NotificationFailed, 0, ErrQueueFull)
	}
	return ErrQueueFull
}

// Close stops accepting events and waits for queued messages to be delivered.
// If ctx expires first, pending retries are abandoned and logged as failed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	var (
		status models.NotificationStatus
		err    error
	)
	wait := d.opts.Backoff
	attempt := 0
	for attempt < d.opts.MaxAttempts {
		attempt++
		status, err = d.sender.Send(d.ctx, msg)
		if err == nil {
			break
		}
		d.log.Warn("notification attempt failed",
			zap.String("event", msg.EventType),
			zap.String("to", msg.To),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == d.opts.MaxAttempts || !d.sleep(wait) {
			break
		}
		wait *= 2
	}
	if err != nil {
		status = models.NotificationFailed
	}
	d.record(context.Background(), msg, status, attempt, err)
}

// sleep waits for dur and reports false if the dispatcher was canceled meanwhile.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) record(ctx context.Context, msg Message, status models.NotificationStatus, attempts int, cause error) {
	entry := models.NotificationLog{
		EventType: msg.EventType,
		RelatedID: msg.RelatedID,
		Recipient: msg.To,
		Status:    status,
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		text := cause.Error()
		entry.ErrorMessage = &text
		d.log.Error("notification dead-lettered",
			zap.String("event", msg.EventType),
			zap.Int64("related_id", msg.RelatedID),
			zap.String("to", msg.To),
			zap.Error(cause))
	}
	if d.logs != nil {
		if err := d.logs.InsertNotificationLog(ctx, &entry); err != nil {
			d.log.Error("write notification log", zap.Error(err))
		}
	}
	if d.opts.OnResult != nil {
		d.opts.OnResult(entry)
	}
}
