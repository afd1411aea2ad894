package room

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeEnder struct {
	partner string
	err     error
	calls   []string
}

func (f *fakeEnder) EndRoom(_ context.Context, roomID, byUserID string) (string, error) {
	f.calls = append(f.calls, roomID+"/"+byUserID)
	return f.partner, f.err
}

type fakeNotifier struct {
	notices  map[string][]Notice
	requests []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notices: make(map[string][]Notice)}
}

func (f *fakeNotifier) PublishRoomNotify(userID string, data []byte) error {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.notices[userID] = append(f.notices[userID], n)
	return nil
}

func (f *fakeNotifier) PublishMatchRequest(data []byte) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.requests = append(f.requests, req.UserID)
	return nil
}

func TestEnd_NotifiesPartner(t *testing.T) {
	store := &fakeEnder{partner: "alice"}
	notifier := newFakeNotifier()
	m := NewManager(store, notifier)

	if err := m.End(context.Background(), "room-1", "bob", ReasonEnded); err != nil {
		t.Fatalf("end: %v", err)
	}

	notices := notifier.notices["alice"]
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notices))
	}
	if notices[0].Type != "partner_left" || notices[0].Reason != ReasonEnded {
		t.Errorf("unexpected notice: %+v", notices[0])
	}
}

func TestEnd_AlreadyEndedIsQuiet(t *testing.T) {
	// An idempotent re-end yields no partner and so no notice.
	store := &fakeEnder{partner: ""}
	notifier := newFakeNotifier()
	m := NewManager(store, notifier)

	if err := m.End(context.Background(), "room-1", "bob", ReasonEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(notifier.notices) != 0 {
		t.Errorf("expected no notices, got %+v", notifier.notices)
	}
}

func TestEnd_PropagatesStoreError(t *testing.T) {
	wantErr := errors.New("boom")
	m := NewManager(&fakeEnder{err: wantErr}, newFakeNotifier())

	if err := m.End(context.Background(), "room-1", "bob", ReasonEnded); !errors.Is(err, wantErr) {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestSkip_EndsThenRequeues(t *testing.T) {
	store := &fakeEnder{partner: "alice"}
	notifier := newFakeNotifier()
	m := NewManager(store, notifier)

	if err := m.Skip(context.Background(), "room-1", "bob"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	if len(store.calls) != 1 {
		t.Fatalf("expected one EndRoom call, got %d", len(store.calls))
	}
	if notifier.notices["alice"][0].Reason != ReasonSkipped {
		t.Errorf("partner must see the skipped reason, got %+v", notifier.notices["alice"][0])
	}
	if len(notifier.requests) != 1 || notifier.requests[0] != "bob" {
		t.Errorf("expected requeue for bob, got %v", notifier.requests)
	}
}

func TestSkip_NoRequeueWhenEndFails(t *testing.T) {
	notifier := newFakeNotifier()
	m := NewManager(&fakeEnder{err: errors.New("boom")}, notifier)

	if err := m.Skip(context.Background(), "room-1", "bob"); err == nil {
		t.Fatal("expected error")
	}
	if len(notifier.requests) != 0 {
		t.Errorf("must not requeue when the end fails, got %v", notifier.requests)
	}
}

func TestEndOnDisconnect_EmptyRoomIsNoop(t *testing.T) {
	store := &fakeEnder{}
	m := NewManager(store, newFakeNotifier())

	m.EndOnDisconnect(context.Background(), "", "bob")
	if len(store.calls) != 0 {
		t.Errorf("expected no EndRoom calls, got %v", store.calls)
	}
}
