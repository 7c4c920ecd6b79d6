package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]bool
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[msg.To] {
		return errors.New("smtp down")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestDispatcher_DeliversQueuedMessages(t *testing.T) {
	sender := &recordingSender{fail: map[string]bool{"broken@example.com": true}}
	d := NewDispatcher(sender, zap.NewNop(), 8)

	visit := Visit{
		Provider: Party{Name: "Dr. Reis", Email: "reis@example.com"},
		Client:   Party{Name: "Ana", Email: "ana@example.com"},
		Date:     "2026-10-19",
		From:     "09:00",
		To:       "09:59",
	}
	d.Dispatch(BookingCreated(visit)...)
	d.Dispatch(Message{To: "broken@example.com", Subject: "x"})
	d.Close()

	assert.Len(t, sender.sent, 2)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Body, "2026-10-19, 09:00-09:59")
	assert.Equal(t, "reis@example.com", sender.sent[1].To)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sender := SenderFunc(func(ctx context.Context, msg Message) error {
		<-block
		return nil
	})

	d := NewDispatcher(sender, zap.NewNop(), 1)
	for i := 0; i < 10; i++ {
		d.Dispatch(Message{To: "x@example.com"})
	}
	close(block)
	d.Close()
}

func TestDispatcher_DispatchAfterCloseIsDropped(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, zap.NewNop(), 4)
	d.Dispatch(Message{To: "ana@example.com", Subject: "before"})
	d.Close()

	assert.NotPanics(t, func() {
		d.Dispatch(Message{To: "ana@example.com", Subject: "after"})
	})
	d.Close()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, "before", sender.sent[0].Subject)
}

func TestMedicationReminder(t *testing.T) {
	msg := MedicationReminder(Party{Name: "Ana", Email: "ana@example.com"}, "Amoxicillin", "500mg", "08:00")
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Contains(t, msg.Subject, "Amoxicillin")
	assert.Contains(t, msg.Body, "08:00 dose of Amoxicillin (500mg)")
}

func TestLogSender_RequiresRecipient(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	assert.ErrorIs(t, s.Send(context.Background(), Message{}), ErrNoRecipient)
	assert.NoError(t, s.Send(context.Background(), Message{To: "a@example.com"}))
}

func TestNewSender_FallsBackToLog(t *testing.T) {
	s, err := NewSender(SMTPConfig{Host: "smtp.example.com"}, zap.NewNop())
	assert.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = NewSender(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", FromEmail: "a@b.c"}, zap.NewNop())
	assert.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)
}
