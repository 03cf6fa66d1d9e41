package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages []message
	block    chan struct{}
}

func (r *recorder) Send(subject, body string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.messages = append(r.messages, message{subject: subject, body: body})
	r.mu.Unlock()
}

func (r *recorder) recorded() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.messages...)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	target := &recorder{}
	async := NewAsync("test", target, zerolog.Nop(), nil)

	async.Send("first", "a")
	async.Send("second", "b")
	async.Close()

	messages := target.recorded()
	require.Len(t, messages, 2)
	require.Equal(t, "first", messages[0].subject)
	require.Equal(t, "second", messages[1].subject)
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	target := &recorder{block: make(chan struct{})}
	async := NewAsync("test", target, zerolog.Nop(), nil)

	for i := 0; i < asyncQueueDepth+8; i++ {
		async.Send("flood", "x")
	}
	close(target.block)
	async.Close()

	// One message may be in flight on top of the queued ones.
	require.LessOrEqual(t, len(target.recorded()), asyncQueueDepth+1)
}

func TestAsyncSendAfterClose(t *testing.T) {
	target := &recorder{}
	async := NewAsync("test", target, zerolog.Nop(), nil)
	async.Close()

	async.Send("late", "dropped")
	require.Empty(t, target.recorded())
}

func TestMultiFansOut(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	multi := Multi(first, nil, second)

	multi.Send("hello", "world")

	require.Len(t, first.recorded(), 1)
	require.Len(t, second.recorded(), 1)
}

func TestMultiWithoutTargets(t *testing.T) {
	multi := Multi(nil, nil)
	multi.Send("void", "nothing happens")
}

func TestNewMQTTValidation(t *testing.T) {
	_, err := NewMQTT(MQTTSettings{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewMQTT(MQTTSettings{Broker: "tcp://127.0.0.1:1883"}, zerolog.Nop())
	require.Error(t, err)
}

func TestNewSMTPValidation(t *testing.T) {
	_, err := NewSMTP(SMTPSettings{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewSMTP(SMTPSettings{Host: "mail.local"}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewSMTP(SMTPSettings{Host: "mail.local", From: "plc@local"}, zerolog.Nop())
	require.Error(t, err)

	channel, err := NewSMTP(SMTPSettings{Host: "mail.local", From: "plc@local", To: []string{"ops@local"}}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 587, channel.settings.Port)
	require.Equal(t, 5, channel.settings.MaxRetries)
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("plc@local", []string{"a@local", "b@local"}, "alarm", "tank overflow"))
	require.True(t, strings.HasPrefix(msg, "From: plc@local\r\n"))
	require.Contains(t, msg, "To: a@local, b@local\r\n")
	require.Contains(t, msg, "Subject: alarm\r\n")
	require.True(t, strings.HasSuffix(msg, "\r\n\r\ntank overflow\r\n"))
}

func TestAsyncCloseWaitsForDelivery(t *testing.T) {
	target := &recorder{block: make(chan struct{})}
	async := NewAsync("test", target, zerolog.Nop(), nil)
	async.Send("pending", "body")

	done := make(chan struct{})
	go func() {
		async.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("close returned before delivery finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(target.block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not return after delivery")
	}
	require.Len(t, target.recorded(), 1)
}
