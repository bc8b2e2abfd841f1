package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type countingNotifier struct {
	sent int
	err  error
}

func (c *countingNotifier) Send(ctx context.Context, title, body string) error {
	c.sent++
	return c.err
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	t.Parallel()
	ok := &countingNotifier{}
	bad := &countingNotifier{err: errors.New("unreachable")}
	m := NewMultiNotifier(bad, ok)

	err := m.Send(context.Background(), "t", "b")
	if err == nil || !errors.Is(err, bad.err) {
		t.Fatalf("err = %v, want joined error", err)
	}
	if ok.sent != 1 || bad.sent != 1 {
		t.Fatalf("sent = %d/%d, want both delivered", ok.sent, bad.sent)
	}
}

func TestLimitedNotifier(t *testing.T) {
	t.Parallel()
	next := &countingNotifier{}
	l := NewLimitedNotifier(next, time.Hour, 2)

	for i := 0; i < 2; i++ {
		if err := l.Send(context.Background(), "t", "b"); err != nil {
			t.Fatalf("Send #%d: %v", i+1, err)
		}
	}
	if err := l.Send(context.Background(), "t", "b"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if next.sent != 2 {
		t.Fatalf("delivered = %d, want 2", next.sent)
	}
}

func TestBarkNotifier(t *testing.T) {
	t.Parallel()
	type got struct {
		title, body, group string
	}
	ch := make(chan got, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg barkMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ch <- got{msg.Title, msg.Body, msg.Group}
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL+"/device-key/", "")
	if err != nil {
		t.Fatalf("NewBarkNotifier: %v", err)
	}
	if err := b.Send(context.Background(), "Scheduled task failed: Prune", "details"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	g := <-ch
	if g.title != "Scheduled task failed: Prune" || g.body != "details" || g.group != "trackersched" {
		t.Fatalf("received %+v", g)
	}
}

func TestBarkNotifierErrors(t *testing.T) {
	t.Parallel()
	if _, err := NewBarkNotifier("  ", "ops"); err == nil {
		t.Fatal("expected error for empty url")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	b, err := NewBarkNotifier(srv.URL, "ops")
	if err != nil {
		t.Fatalf("NewBarkNotifier: %v", err)
	}
	if err := b.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
