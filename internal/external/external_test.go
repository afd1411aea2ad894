package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisplayName_FromService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/user-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Profile{UserID: "user-1", DisplayName: "Alice"})
	}))
	defer srv.Close()

	c := NewProfileClient(srv.URL)
	if got := c.DisplayName(context.Background(), "user-1"); got != "Alice" {
		t.Errorf("expected Alice, got %q", got)
	}
}

func TestDisplayName_FallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewProfileClient(srv.URL)
	if got := c.DisplayName(context.Background(), "user-1"); got != AnonymousName {
		t.Errorf("expected %q, got %q", AnonymousName, got)
	}
}

func TestDisplayName_FallsBackWhenUnconfigured(t *testing.T) {
	c := NewProfileClient("")
	if got := c.DisplayName(context.Background(), "user-1"); got != AnonymousName {
		t.Errorf("expected %q, got %q", AnonymousName, got)
	}
}

func TestDisplayName_FallsBackOnEmptyName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Profile{UserID: "user-1"})
	}))
	defer srv.Close()

	c := NewProfileClient(srv.URL)
	if got := c.DisplayName(context.Background(), "user-1"); got != AnonymousName {
		t.Errorf("expected %q, got %q", AnonymousName, got)
	}
}

func TestICEConfig_FromService(t *testing.T) {
	const servers = `[{"urls":"stun:stun.example.org:3478"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ice-servers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(servers))
	}))
	defer srv.Close()

	c := NewICEClient(srv.URL)
	if got := c.Config(context.Background()); got != servers {
		t.Errorf("expected %q, got %q", servers, got)
	}
}

func TestICEConfig_EmptyOnErrorAndUnconfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if got := NewICEClient(srv.URL).Config(context.Background()); got != "" {
		t.Errorf("expected empty config on server error, got %q", got)
	}
	if got := NewICEClient("").Config(context.Background()); got != "" {
		t.Errorf("expected empty config when unconfigured, got %q", got)
	}
}

type recordingEventPublisher struct {
	events []NotifyEvent
}

func (p *recordingEventPublisher) PublishNotifyEvent(data []byte) error {
	var ev NotifyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestNotifier_Like(t *testing.T) {
	pub := &recordingEventPublisher{}
	n := NewNotifier(pub)

	n.Like("alice", "bob", "room-1")

	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != EventLike || ev.UserID != "alice" || ev.TargetID != "bob" || ev.RoomID != "room-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
}
