package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flakySender struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (s *flakySender) Send(_ context.Context, msg Message) (models.NotificationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[msg.To]++
	if s.calls[msg.To] <= s.failures[msg.To] {
		return models.NotificationFailed, errors.New("connection refused")
	}
	return models.NotificationSent, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []models.NotificationLog
}

func (l *memLogs) InsertNotificationLog(_ context.Context, e *models.NotificationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *e)
	return nil
}

func (l *memLogs) byRecipient() map[string]models.NotificationLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]models.NotificationLog{}
	for _, e := range l.entries {
		out[e.Recipient] = e
	}
	return out
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	sender := &flakySender{
		failures: map[string]int{"flaky@example.com": 2, "down@example.com": 100},
		calls:    map[string]int{},
	}
	logs := &memLogs{}
	var seen []models.NotificationStatus
	var seenMu sync.Mutex
	d := NewDispatcher(sender, logs, nil, Options{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		OnResult: func(e models.NotificationLog) {
			seenMu.Lock()
			seen = append(seen, e.Status)
			seenMu.Unlock()
		},
	})

	err := d.Enqueue(context.Background(), engine.Event{
		Type:       models.EventLoanCreated,
		RelatedID:  7,
		Recipients: []string{"ok@example.com", "flaky@example.com", "down@example.com"},
		Subject:    "Loan created",
	})
	require.NoError(t, err)
	require.NoError(t, d.Close(context.Background()))

	got := logs.byRecipient()
	require.Len(t, got, 3)
	assert.Equal(t, models.NotificationSent, got["ok@example.com"].Status)
	assert.Equal(t, 1, got["ok@example.com"].Attempts)
	assert.Equal(t, models.NotificationSent, got["flaky@example.com"].Status)
	assert.Equal(t, 3, got["flaky@example.com"].Attempts)
	assert.Equal(t, models.NotificationFailed, got["down@example.com"].Status)
	assert.Equal(t, 3, got["down@example.com"].Attempts)
	require.NotNil(t, got["down@example.com"].ErrorMessage)
	assert.Contains(t, *got["down@example.com"].ErrorMessage, "connection refused")
	assert.Equal(t, int64(7), got["down@example.com"].RelatedID)
	assert.Len(t, seen, 3)
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(NewLogOnlySender(nil), nil, nil, Options{})
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	err := d.Enqueue(context.Background(), engine.Event{Type: models.EventIssueCreated, Recipients: []string{"a@example.com"}})
	assert.ErrorIs(t, err, ErrClosed)
}

type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, _ Message) (models.NotificationStatus, error) {
	select {
	case <-s.release:
		return models.NotificationSent, nil
	case <-ctx.Done():
		return models.NotificationFailed, ctx.Err()
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	logs := &memLogs{}
	d := NewDispatcher(sender, logs, nil, Options{QueueSize: 1, MaxAttempts: 1})

	// the worker takes the first message and blocks; the second fills the queue
	ev := engine.Event{Type: models.EventReturnCreated, RelatedID: 1, Recipients: []string{"a@example.com"}}
	require.NoError(t, d.Enqueue(context.Background(), ev))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), ev))

	ev.Recipients = []string{"overflow@example.com"}
	assert.ErrorIs(t, d.Enqueue(context.Background(), ev), ErrQueueFull)
	assert.Equal(t, models.NotificationFailed, logs.byRecipient()["overflow@example.com"].Status)

	close(sender.release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_CloseDeadline(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	logs := &memLogs{}
	d := NewDispatcher(sender, logs, nil, Options{MaxAttempts: 5, Backoff: time.Hour})
	require.NoError(t, d.Enqueue(context.Background(), engine.Event{Type: models.EventLoanCreated, Recipients: []string{"a@example.com"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, models.NotificationFailed, logs.byRecipient()["a@example.com"].Status)
}

func TestSMTPSender_Send(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Username: "bot@example.com", Password: "pw", FromName: "Loans"})
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Equal(t, "bot@example.com", from)
		return nil
	}

	status, err := s.Send(context.Background(), Message{To: "lead@example.com", Subject: "Loan created", Body: "LOT-001 left"})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, status)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"lead@example.com"}, gotTo)
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nLOT-001 left"))
	assert.Contains(t, gotMsg, "To: lead@example.com\r\n")

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	status, err = s.Send(context.Background(), Message{To: "lead@example.com"})
	assert.Error(t, err)
	assert.Equal(t, models.NotificationFailed, status)
}

func TestLogOnlySender(t *testing.T) {
	status, err := NewLogOnlySender(nil).Send(context.Background(), Message{To: "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.NotificationLoggedOnly, status)
}
