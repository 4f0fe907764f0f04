package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestUpstashRedisStoreRedisKey(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{}
	got, err := store.redisKey("abc")
	if err != nil {
		t.Fatalf("redisKey() error = %v", err)
	}
	if got != "xianyu:conv:abc" {
		t.Fatalf("redisKey() = %q, want %q", got, "xianyu:conv:abc")
	}
}

func TestUpstashRedisStoreRedisKeyEmptyKey(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{}
	_, err := store.redisKey("   ")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("redisKey() error = %v, want ErrInvalidKey", err)
	}
}

func TestUpstashRedisStoreSaveUsesPrefixedKey(t *testing.T) {
	t.Parallel()

	const wantKey = "xianyu:conv:chat-1"
	var gotCommand []any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		fmt.Fprint(w, `{"result":"OK"}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{
			URL:   server.URL,
			Token: "token",
		},
		WithHTTPClient(server.Client()),
		WithTTL(0),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	conv := NewConversation("chat-1", time.Now())
	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if len(gotCommand) < 2 {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[0] != "SET" {
		t.Fatalf("command[0] = %v, want SET", gotCommand[0])
	}
	if gotCommand[1] != wantKey {
		t.Fatalf("command[1] = %v, want %s", gotCommand[1], wantKey)
	}
}

func TestUpstashRedisStoreLoadUsesPrefixedKey(t *testing.T) {
	t.Parallel()

	const wantKey = "xianyu:conv:chat-2"
	var gotCommand []any

	seed := NewConversation("chat-2", time.Now())
	seed.Stage = StageNegotiating
	seed.Negotiation, _ = NewNegotiationState(100, 80)
	stored, err := encodeSnapshot(seed)
	if err != nil {
		t.Fatalf("encodeSnapshot() error = %v", err)
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal encoded seed: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		fmt.Fprintf(w, `{"result":%s}`, encoded)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{
			URL:   server.URL,
			Token: "token",
		},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	conv, err := store.Load(context.Background(), "chat-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if conv.Key != "chat-2" {
		t.Fatalf("Load().Key = %q, want %q", conv.Key, "chat-2")
	}
	if conv.Negotiation == nil || conv.Negotiation.Floor != 80 {
		t.Fatalf("Load().Negotiation = %+v, want floor 80", conv.Negotiation)
	}

	if len(gotCommand) < 2 {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[0] != "GET" {
		t.Fatalf("command[0] = %v, want GET", gotCommand[0])
	}
	if gotCommand[1] != wantKey {
		t.Fatalf("command[1] = %v, want %s", gotCommand[1], wantKey)
	}
}

func TestUpstashRedisStoreLoadMissing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q, want Bearer token", got)
		}
		fmt.Fprint(w, `{"result":null}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	_, err = store.Load(context.Background(), "missing")
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Load() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestUpstashRedisStoreSurfacesRedisError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"WRONGPASS"}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	err = store.Save(context.Background(), NewConversation("chat-4", time.Now()))
	if !errors.Is(err, ErrSnapshotStore) || !strings.Contains(err.Error(), "WRONGPASS") {
		t.Fatalf("Save() error = %v, want WRONGPASS", err)
	}
}

func TestUpstashRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		data = map[string]string{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var cmd []any
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("decode command: %v", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch cmd[0] {
		case "SET":
			data[cmd[1].(string)] = cmd[2].(string)
			fmt.Fprint(w, `{"result":"OK"}`)
		case "GET":
			v, ok := data[cmd[1].(string)]
			if !ok {
				fmt.Fprint(w, `{"result":null}`)
				return
			}
			b, _ := json.Marshal(v)
			fmt.Fprintf(w, `{"result":%s}`, b)
		default:
			fmt.Fprintf(w, `{"error":"unknown command %v"}`, cmd[0])
		}
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conv := NewConversation("chat-5", now)
	conv.BuyerID = "buyer-1"
	conv.Item = Item{ID: "item-1", Title: "相机", Price: 100}
	conv.Stage = StageNegotiating
	conv.Negotiation, _ = NewNegotiationState(100, 80)
	conv.Negotiation.CurrentOffer = 95
	conv.Negotiation.Round = 1
	conv.Negotiation.History = []Offer{{Price: 95, Direction: DirectionBotOffer, Round: 1, At: now}}
	price := 70.0
	conv.Messages = []Message{{ID: "m1", Role: RoleBuyer, Text: "70", Timestamp: now, Payload: &Payload{Price: &price}}}

	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	mu.Lock()
	raw := data["xianyu:conv:chat-5"]
	mu.Unlock()
	if !strings.HasPrefix(raw, snapshotTag) {
		t.Fatalf("stored snapshot = %.16q, want %q prefix", raw, snapshotTag)
	}

	got, err := store.Load(context.Background(), "chat-5")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.BuyerID != "buyer-1" || got.Item != conv.Item || got.Stage != StageNegotiating {
		t.Fatalf("Load() = %+v, want %+v", got, conv)
	}
	if got.Negotiation == nil || got.Negotiation.CurrentOffer != 95 || len(got.Negotiation.History) != 1 {
		t.Fatalf("Load().Negotiation = %+v", got.Negotiation)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("len(Load().Messages) = %d, want 1", len(got.Messages))
	}
	if p, ok := got.Messages[0].Price(); !ok || p != 70 {
		t.Fatalf("Load().Messages[0].Price() = %v, %v, want 70", p, ok)
	}
	if !got.LastActivity.Equal(conv.LastActivity) {
		t.Fatalf("Load().LastActivity = %v, want %v", got.LastActivity, conv.LastActivity)
	}
}

func TestUpstashRedisStoreRejectsUnknownSnapshotFormat(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"{\"key\":\"chat-6\"}"}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	if _, err := store.Load(context.Background(), "chat-6"); !errors.Is(err, ErrSnapshotStore) {
		t.Fatalf("Load() error = %v, want ErrSnapshotStore", err)
	}
}
