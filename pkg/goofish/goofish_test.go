package goofish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testCookie = "unb=2200; _m_h5_tk=abc123_1700000000000; cookie2=x"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, AppKey: "34839810", IMAppKey: "im-key"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.httpClient = server.Client()
	client.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return client
}

func TestParseCookies(t *testing.T) {
	t.Parallel()

	got := ParseCookies("unb=2200; _m_h5_tk=abc_1; broken; x=a=b")
	if got["unb"] != "2200" || got["_m_h5_tk"] != "abc_1" || got["x"] != "a=b" {
		t.Fatalf("ParseCookies() = %#v", got)
	}
	if _, ok := got["broken"]; ok {
		t.Fatalf("ParseCookies() kept malformed pair")
	}
}

func TestSign(t *testing.T) {
	t.Parallel()

	// md5("tok&1&key&{}")
	if got := Sign("1", "tok", "key", "{}"); len(got) != 32 {
		t.Fatalf("Sign() = %q, want 32 hex chars", got)
	}
	if Sign("1", "tok", "key", "{}") == Sign("2", "tok", "key", "{}") {
		t.Fatal("Sign() ignores timestamp")
	}
}

func TestAccessToken(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "mtop.taobao.idlemessage.pc.login.token") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("sign"); got != Sign("1700000000000", "abc123", "34839810", `{"appKey":"im-key","deviceId":"dev"}`) {
			t.Errorf("sign = %s", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if !strings.Contains(r.PostForm.Get("data"), `"deviceId":"dev"`) {
			t.Errorf("data = %s", r.PostForm.Get("data"))
		}
		fmt.Fprint(w, `{"ret":["SUCCESS::调用成功"],"data":{"accessToken":"tok-1"}}`)
	})

	token, cookie, err := client.AccessToken(context.Background(), testCookie, "dev")
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "tok-1" || cookie != testCookie {
		t.Fatalf("AccessToken() = %q, %q", token, cookie)
	}
}

func TestAccessTokenRetriesWithRotatedCookie(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.SetCookie(w, &http.Cookie{Name: "_m_h5_tk", Value: "fresh_1700000009999"})
			fmt.Fprint(w, `{"ret":["FAIL_SYS_TOKEN_EXOIRED::令牌过期"],"data":{}}`)
			return
		}
		if !strings.Contains(r.Header.Get("Cookie"), "_m_h5_tk=fresh_1700000009999") {
			t.Errorf("retry cookie = %s", r.Header.Get("Cookie"))
		}
		fmt.Fprint(w, `{"ret":["SUCCESS::调用成功"],"data":{"accessToken":"tok-2"}}`)
	})

	token, cookie, err := client.AccessToken(context.Background(), testCookie, "dev")
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "tok-2" || !strings.Contains(cookie, "_m_h5_tk=fresh_1700000009999") || !strings.Contains(cookie, "unb=2200") {
		t.Fatalf("AccessToken() = %q, %q", token, cookie)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestMergeCookies(t *testing.T) {
	t.Parallel()

	got := MergeCookies("a=1; b=2", []*http.Cookie{{Name: "b", Value: "3"}, {Name: "c", Value: "4"}})
	if got != "a=1; b=3; c=4" {
		t.Fatalf("MergeCookies() = %q", got)
	}
	if MergeCookies("a=1", nil) != "a=1" {
		t.Fatal("MergeCookies(nil) changed the cookie")
	}
}

func TestAccessTokenExpired(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ret":["FAIL_SYS_TOKEN_EXOIRED::令牌过期"],"data":{}}`)
	})

	_, _, err := client.AccessToken(context.Background(), testCookie, "dev")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("AccessToken() error = %v, want ErrSessionExpired", err)
	}
}

func TestAccessTokenMissingCookie(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, _, err := client.AccessToken(context.Background(), "unb=1", "dev")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("AccessToken() error = %v, want ErrSessionExpired", err)
	}
}

func TestItemDetail(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ret":["SUCCESS::调用成功"],"data":{"itemDO":{"title":"Kindle","soldPrice":"350.00"}}}`)
	})

	item, err := client.ItemDetail(context.Background(), testCookie, "i-1")
	if err != nil {
		t.Fatalf("ItemDetail() error = %v", err)
	}
	if item.Title != "Kindle" || item.Price != 350 || item.ID != "i-1" {
		t.Fatalf("ItemDetail() = %+v", item)
	}
}

func TestItemDetailHTTPError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.ItemDetail(context.Background(), testCookie, "i-1")
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("ItemDetail() error = %v, want ErrAPI", err)
	}
}
