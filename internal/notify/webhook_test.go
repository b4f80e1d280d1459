package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"shepherd/internal/config"
)

func TestWebhookFiltersAndSignals(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, n)
		secret = r.Header.Get("X-Shepherd-Secret")
		mu.Unlock()
		if r.Header.Get("X-Shepherd-Event") != n.Type {
			t.Errorf("event header %q does not match body %q", r.Header.Get("X-Shepherd-Event"), n.Type)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	w := NewWebhook([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{TypeApproved}, Secret: "s3cret"},
		{URL: srv.URL, Enabled: &disabled},
	})
	ctx := context.Background()
	if err := w.Send(ctx, Notification{Type: TypeSubmitted, EventID: "e1"}); err != nil {
		t.Fatalf("send filtered: %v", err)
	}
	if err := w.Send(ctx, Notification{Type: TypeApproved, EventID: "e1", TicketID: "t1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].TicketID != "t1" {
		t.Fatalf("expected one delivery, got %+v", got)
	}
	if secret != "s3cret" {
		t.Fatalf("expected secret header, got %q", secret)
	}
}

func TestWebhookReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	w := NewWebhook([]config.WebhookConfig{{URL: srv.URL}})
	if err := w.Send(context.Background(), Notification{Type: TypeFailed}); err == nil {
		t.Fatalf("expected delivery error")
	}
}
