package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

type wsScript func(t *testing.T, conn *websocket.Conn)

func newWSServer(t *testing.T, script wsScript) (string, <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		if r.Header.Get("Cookie") == "" {
			t.Errorf("handshake missing cookie")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), done
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server ReadMessage() error = %v", err)
		return frame{}
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Errorf("server decode frame error = %v", err)
	}
	return f
}

func wsConfig(url string) Config {
	cfg := testConfig()
	cfg.URL = url
	cfg.UserAgent = "test-agent"
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func pushFrame(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload error = %v", err)
	}
	push, _ := json.Marshal(map[string]any{
		"lwp":     "/s/para",
		"headers": map[string]string{"mid": "m-1", "sid": "s-1"},
		"body": map[string]any{
			"syncPushPackage": map[string]any{
				"data": []map[string]string{{"data": base64.StdEncoding.EncodeToString(raw)}},
			},
		},
	})
	return push
}

func TestWSChannelRoundTrip(t *testing.T) {
	t.Parallel()

	url, done := newWSServer(t, func(t *testing.T, conn *websocket.Conn) {
		reg := readFrame(t, conn)
		if reg.LWP != lwpRegister || reg.header("token") != "tok" || reg.header("did") != "dev-1" {
			t.Errorf("register frame = %+v", reg)
		}
		if diff := readFrame(t, conn); diff.LWP != lwpAckDiff {
			t.Errorf("second frame lwp = %q, want ackDiff", diff.LWP)
		}

		_ = conn.WriteMessage(websocket.TextMessage, pushFrame(t, chatPayload("buyer-7", "能便宜点吗")))

		ack := readFrame(t, conn)
		if ack.Code != 200 || ack.header("mid") != "m-1" || ack.header("sid") != "s-1" {
			t.Errorf("ack frame = %+v", ack)
		}

		send := readFrame(t, conn)
		if send.LWP != lwpSend {
			t.Errorf("send lwp = %q", send.LWP)
		}
		if body := string(send.Body); !strings.Contains(body, `"cid":"chat-7@goofish"`) || !strings.Contains(body, `"buyer-7@goofish"`) {
			t.Errorf("send body = %s", body)
		}
	})

	dialer := NewWSDialer(wsConfig(url))
	ch, err := dialer.Dial(context.Background(), contractx.Credential{Cookie: "unb=42", Token: "tok", UserID: "42", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	ev, err := ch.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if ev.Type != EventNewMessage || ev.Key != "chat-7" || ev.BuyerID != "buyer-7" || ev.Message.Text != "能便宜点吗" {
		t.Fatalf("Receive() = %+v", ev)
	}

	if err := ch.Send(context.Background(), Outbound{Key: "chat-7", BuyerID: "buyer-7", Text: "最低 95"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server script did not finish")
	}
}

func TestWSChannelHeartbeat(t *testing.T) {
	t.Parallel()

	url, done := newWSServer(t, func(t *testing.T, conn *websocket.Conn) {
		readFrame(t, conn)
		readFrame(t, conn)
		if hb := readFrame(t, conn); hb.LWP != lwpHeartbeat || hb.header("mid") == "" {
			t.Errorf("heartbeat frame = %+v", hb)
		}
	})

	cfg := wsConfig(url)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	ch, err := NewWSDialer(cfg).Dial(context.Background(), cred("tok"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestWSChannelCredentialRejected(t *testing.T) {
	t.Parallel()

	url, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn) {
		readFrame(t, conn)
		readFrame(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"code":401,"headers":{"mid":"r-1"}}`))
		time.Sleep(100 * time.Millisecond)
	})

	ch, err := NewWSDialer(wsConfig(url)).Dial(context.Background(), cred("stale"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ch.Close()

	if _, err := ch.Receive(context.Background()); !errors.Is(err, contractx.ErrCredential) {
		t.Fatalf("Receive() error = %v, want ErrCredential", err)
	}
}

func TestWSDialFailure(t *testing.T) {
	t.Parallel()

	_, err := NewWSDialer(wsConfig("ws://127.0.0.1:1/")).Dial(context.Background(), cred("tok"))
	if !errors.Is(err, contractx.ErrTransport) {
		t.Fatalf("Dial() error = %v, want ErrTransport", err)
	}
}
