package consumer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/fantombot/internal/config"
	"github.com/user/fantombot/internal/dispatch"
	"github.com/user/fantombot/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

// scriptPoller answers GetUpdates from next; once next returns done=true the
// consumer is stopped and an empty batch returned.
type scriptPoller struct {
	mu      sync.Mutex
	offsets []int
	next    func(call int) ([]tgbotapi.Update, error, bool)
	c       *Consumer
}

func (p *scriptPoller) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	p.mu.Lock()
	p.offsets = append(p.offsets, cfg.Offset)
	call := len(p.offsets)
	p.mu.Unlock()

	updates, err, done := p.next(call)
	if done {
		p.c.Stop()
	}
	return updates, err
}

func (p *scriptPoller) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.offsets))
	copy(out, p.offsets)
	return out
}

func textUpdate(id int, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id,
			From:      &tgbotapi.User{ID: 42},
			Chat:      &tgbotapi.Chat{ID: 42},
			Text:      text,
		},
	}
}

func startUpdate(id int, userID int64) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id,
			From:      &tgbotapi.User{ID: userID},
			Chat:      &tgbotapi.Chat{ID: userID},
			Text:      "/start",
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		},
	}
}

func pollConfig() config.PollConfig {
	return config.PollConfig{Timeout: 0, Limit: 100}
}

func runWithTimeout(t *testing.T, c *Consumer) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background(), nil) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not return")
		return nil
	}
}

func TestConsumer_OrderAndFailureIsolation(t *testing.T) {
	var seen []int
	reg, err := dispatch.NewBuilder().
		Text(nil, dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			seen = append(seen, ev.UpdateID)
			switch ev.Text {
			case "fail":
				return errors.New("boom")
			case "panic":
				panic("handler exploded")
			}
			return nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		return []tgbotapi.Update{
			textUpdate(10, "fail"),
			textUpdate(11, "panic"),
			textUpdate(12, "ok"),
		}, nil, true
	}}
	m := metrics.New()
	c := New(p, reg, pollConfig(), discardLogger(), WithMetrics(m))
	p.c = c

	if err := runWithTimeout(t, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 3 || seen[0] != 10 || seen[1] != 11 || seen[2] != 12 {
		t.Errorf("expected dispatch order [10 11 12], got %v", seen)
	}
	if c.Offset() != 13 {
		t.Errorf("expected offset 13, got %d", c.Offset())
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped, got %s", c.State())
	}
}

func TestConsumer_UnmatchedDropped(t *testing.T) {
	var handled int
	reg, _ := dispatch.NewBuilder().
		Command("start", dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			handled++
			return nil
		})).
		Build()

	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		if call == 1 {
			return []tgbotapi.Update{textUpdate(1, "hello"), {UpdateID: 2}, startUpdate(3, 42)}, nil, false
		}
		return nil, nil, true
	}}
	c := New(p, reg, pollConfig(), discardLogger())
	p.c = c

	if err := runWithTimeout(t, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 handled event, got %d", handled)
	}
	if got := p.calls(); len(got) != 2 || got[1] != 4 {
		t.Errorf("expected second fetch at offset 4, got %v", got)
	}
}

func TestConsumer_TransientFailureRetriedOnce(t *testing.T) {
	var handled int
	reg, _ := dispatch.NewBuilder().
		Text(nil, dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			handled++
			return nil
		})).
		Build()

	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		switch call {
		case 1:
			return nil, errors.New("read tcp: connection reset by peer"), false
		case 2:
			return []tgbotapi.Update{textUpdate(1, "hi")}, nil, true
		}
		t.Errorf("unexpected fetch %d", call)
		return nil, nil, true
	}}
	c := New(p, reg, pollConfig(), discardLogger(), WithRetryPolicy(fastRetry()))
	p.c = c

	if err := runWithTimeout(t, c); err != nil {
		t.Fatalf("transient error surfaced: %v", err)
	}
	calls := p.calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 fetches, got %d", len(calls))
	}
	if calls[1] != 0 {
		t.Errorf("retry should reuse offset 0, got %d", calls[1])
	}
	if handled != 1 {
		t.Errorf("expected 1 handled event, got %d", handled)
	}
}

func TestConsumer_FatalTransport(t *testing.T) {
	reg, _ := dispatch.NewBuilder().Build()
	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		return nil, &tgbotapi.Error{Code: 401, Message: "Unauthorized"}, false
	}}
	c := New(p, reg, pollConfig(), discardLogger(), WithRetryPolicy(fastRetry()))
	p.c = c

	err := runWithTimeout(t, c)
	if !errors.Is(err, ErrFatalTransport) {
		t.Fatalf("expected ErrFatalTransport, got %v", err)
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 401 {
		t.Errorf("expected wrapped 401 API error, got %v", err)
	}
	if len(p.calls()) != 1 {
		t.Errorf("fatal error must not be retried, got %d fetches", len(p.calls()))
	}
	if c.State() != StateFailed {
		t.Errorf("expected failed state, got %s", c.State())
	}
}

func TestConsumer_RetriesExhausted(t *testing.T) {
	reg, _ := dispatch.NewBuilder().Build()
	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		return nil, errors.New("timeout"), false
	}}
	cfg := pollConfig()
	cfg.MaxFailures = 3
	policy := fastRetry()
	policy.MaxAttempts = 3
	c := New(p, reg, cfg, discardLogger(), WithRetryPolicy(policy))
	p.c = c

	err := runWithTimeout(t, c)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if n := len(p.calls()); n != 3 {
		t.Errorf("expected 3 fetches, got %d", n)
	}
}

// blockingPoller holds the first fetch until released, then returns batch.
type blockingPoller struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
	aborted chan struct{}
	batch   []tgbotapi.Update
}

func newBlockingPoller(batch []tgbotapi.Update) *blockingPoller {
	return &blockingPoller{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		aborted: make(chan struct{}),
		batch:   batch,
	}
}

func (p *blockingPoller) GetUpdates(tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if !first {
		return nil, nil
	}
	close(p.entered)
	select {
	case <-p.release:
		return p.batch, nil
	case <-p.aborted:
		return nil, context.Canceled
	}
}

func (p *blockingPoller) Abort() { close(p.aborted) }

func (p *blockingPoller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestConsumer_StopDuringFetch(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	reg, _ := dispatch.NewBuilder().
		Text(nil, dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			if ctx.Err() != nil {
				t.Errorf("handler context cancelled during shutdown: %v", ctx.Err())
			}
			mu.Lock()
			seen = append(seen, ev.UpdateID)
			mu.Unlock()
			return nil
		})).
		Build()

	p := newBlockingPoller([]tgbotapi.Update{textUpdate(1, "a"), textUpdate(2, "b")})
	c := New(p, reg, pollConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, nil) }()

	<-p.entered
	cancel()
	close(p.release)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected in-flight batch dispatched once, got %v", seen)
	}
	if n := p.callCount(); n != 1 {
		t.Errorf("expected no fetch after stop, got %d fetches", n)
	}
}

func TestConsumer_Abort(t *testing.T) {
	var handled int
	reg, _ := dispatch.NewBuilder().
		Text(nil, dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			handled++
			return nil
		})).
		Build()

	var logs bytes.Buffer
	p := newBlockingPoller([]tgbotapi.Update{textUpdate(1, "a")})
	c := New(p, reg, pollConfig(), slog.New(slog.NewTextHandler(&logs, nil)))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background(), nil) }()

	<-p.entered
	c.Abort()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not return after Abort")
	}
	if handled != 0 {
		t.Errorf("aborted fetch must dispatch nothing, got %d", handled)
	}
	if c.Offset() != 0 {
		t.Errorf("offset must not advance on abort, got %d", c.Offset())
	}
	if !bytes.Contains(logs.Bytes(), []byte("in-flight fetch aborted")) {
		t.Errorf("expected abort to be logged, got %q", logs.String())
	}
}

func TestConsumer_StartFromUser42(t *testing.T) {
	var users []int64
	reg, _ := dispatch.NewBuilder().
		Command("/start", dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			users = append(users, ev.UserID)
			return nil
		})).
		Build()

	ready := false
	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		if call == 1 {
			return []tgbotapi.Update{startUpdate(100, 42)}, nil, false
		}
		return nil, nil, true
	}}
	c := New(p, reg, pollConfig(), discardLogger())
	p.c = c

	if err := c.Run(context.Background(), func() { ready = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Error("ready callback not invoked")
	}
	if len(users) != 1 || users[0] != 42 {
		t.Errorf("expected /start handled once for user 42, got %v", users)
	}
	calls := p.calls()
	if len(calls) != 2 || calls[1] != 101 {
		t.Errorf("expected a second fetch at offset 101, got %v", calls)
	}
}

func TestConsumer_MaxFailuresWithDefaultPolicy(t *testing.T) {
	reg, _ := dispatch.NewBuilder().Build()
	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		return nil, errors.New("timeout"), false
	}}
	cfg := pollConfig()
	cfg.MaxFailures = 1
	c := New(p, reg, cfg, discardLogger())
	p.c = c

	start := time.Now()
	err := runWithTimeout(t, c)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if n := len(p.calls()); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("gave up only after sleeping a backoff")
	}
}

func TestWithRetryPolicy_KeepsCallerPolicy(t *testing.T) {
	reg, _ := dispatch.NewBuilder().Build()
	policy := fastRetry()
	policy.MaxAttempts = 7
	cfg := pollConfig()
	cfg.MaxFailures = 2

	c := New(&scriptPoller{}, reg, cfg, discardLogger(), WithRetryPolicy(policy))
	if c.retry.MaxAttempts != 7 {
		t.Errorf("expected explicit policy MaxAttempts 7, got %d", c.retry.MaxAttempts)
	}
	c.retry.MaxAttempts = 1
	if policy.MaxAttempts != 7 {
		t.Errorf("caller policy mutated: MaxAttempts %d", policy.MaxAttempts)
	}
}

func mentionUpdate(id int, text string) tgbotapi.Update {
	u := startUpdate(id, 42)
	u.Message.Text = text
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}}
	return u
}

func TestConsumer_CommandsForOtherBotsDropped(t *testing.T) {
	var handled []int
	reg, _ := dispatch.NewBuilder().
		Command("start", dispatch.HandlerFunc(func(ctx context.Context, ev *dispatch.Event) error {
			handled = append(handled, ev.UpdateID)
			return nil
		})).
		Build()

	p := &scriptPoller{next: func(call int) ([]tgbotapi.Update, error, bool) {
		if call == 1 {
			return []tgbotapi.Update{
				mentionUpdate(1, "/start@OtherBot"),
				mentionUpdate(2, "/start@Fantom_Bot"),
				startUpdate(3, 42),
			}, nil, false
		}
		return nil, nil, true
	}}
	m := metrics.New()
	c := New(p, reg, pollConfig(), discardLogger(), WithBotUsername("fantom_bot"), WithMetrics(m))
	p.c = c

	if err := runWithTimeout(t, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handled) != 2 || handled[0] != 2 || handled[1] != 3 {
		t.Errorf("expected updates 2 and 3 handled, got %v", handled)
	}
	if c.Offset() != 4 {
		t.Errorf("dropped command must still advance the offset, got %d", c.Offset())
	}
}
