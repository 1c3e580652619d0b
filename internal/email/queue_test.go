package email_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gsarma/gitgrade/internal/email"
)

// stubProvider implements email.Provider for tests.
type stubProvider struct {
	mu     sync.Mutex
	sent   []string
	sendFn func(ctx context.Context, msg email.Message) error
}

func (s *stubProvider) Send(ctx context.Context, msg email.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg.Subject)
	s.mu.Unlock()
	if s.sendFn != nil {
		return s.sendFn(ctx, msg)
	}
	return nil
}

func (s *stubProvider) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

var _ email.Provider = (*stubProvider)(nil)

func TestQueue_AttemptsAllInOrderBeforeShutdown(t *testing.T) {
	p := &stubProvider{
		sendFn: func(_ context.Context, msg email.Message) error {
			if msg.Subject == "msg-2" {
				return errors.New("550 mailbox unavailable")
			}
			return nil
		},
	}
	q := email.NewQueue(p, email.QueueConfig{Size: 16})

	var want []string
	for i := 1; i <= 5; i++ {
		subject := fmt.Sprintf("msg-%d", i)
		want = append(want, subject)
		if _, err := q.Enqueue(context.Background(), email.Message{To: []string{"a@example.edu"}, Subject: subject}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// the worker starts after everything is queued, so Shutdown must drain
	q.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	got := p.subjects()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected attempts %v, got %v", want, got)
	}
	st := q.Stats()
	if st.Sent != 4 || st.Failed != 1 || st.Enqueued != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestQueue_EnqueueAfterShutdown(t *testing.T) {
	q := email.NewQueue(&stubProvider{}, email.QueueConfig{})
	q.Start(context.Background())
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), email.Message{}); !errors.Is(err, email.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Shutdown(context.Background()); !errors.Is(err, email.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on second shutdown, got %v", err)
	}
}

func TestQueue_CancelledStartContextStillDrains(t *testing.T) {
	p := &stubProvider{}
	q := email.NewQueue(p, email.QueueConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), email.Message{Subject: fmt.Sprint(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(p.subjects()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestQueue_EnqueueHonoursContextWhenFull(t *testing.T) {
	q := email.NewQueue(&stubProvider{}, email.QueueConfig{Size: 1})
	if _, err := q.Enqueue(context.Background(), email.Message{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Enqueue(ctx, email.Message{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQueue_ShutdownHonoursContextWhenFullAndStopped(t *testing.T) {
	q := email.NewQueue(&stubProvider{}, email.QueueConfig{Size: 1})
	if _, err := q.Enqueue(context.Background(), email.Message{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- q.Shutdown(ctx) }()
	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown blocked past its context")
	}
	if _, err := q.Enqueue(context.Background(), email.Message{}); !errors.Is(err, email.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_RateLimited(t *testing.T) {
	p := &stubProvider{}
	q := email.NewQueue(p, email.QueueConfig{RatePerSecond: 20})
	q.Start(context.Background())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), email.Message{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// burst of one, then 50ms between sends
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected throttling, took only %s", elapsed)
	}
}
