package credential

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	goofishx "github.com/LeaveC/xianyubot/pkg/goofish"
)

type fakeFetcher struct {
	mu      sync.Mutex
	token   string
	rotated string
	err     error
	calls   int
	devices []string
}

func (f *fakeFetcher) AccessToken(ctx context.Context, cookie string, deviceID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.devices = append(f.devices, deviceID)
	out := cookie
	if f.rotated != "" {
		out = f.rotated
	}
	if f.err != nil {
		return "", out, f.err
	}
	return fmt.Sprintf("%s-%d", f.token, f.calls), out, nil
}

type countingSupplier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSupplier) Refresh(ctx context.Context) (contractx.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return contractx.Credential{}, s.err
	}
	return contractx.Credential{Cookie: "unb=1", Token: fmt.Sprintf("fresh-%d", s.calls), UserID: "1", IssuedAt: time.Now()}, nil
}

func TestCookieSupplierRefresh(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: "tok"}
	s, err := NewCookieSupplier(fetcher, "unb=2200; _m_h5_tk=a_1", "")
	if err != nil {
		t.Fatalf("NewCookieSupplier() error = %v", err)
	}

	cred, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.Token != "tok-1" || cred.UserID != "2200" || !cred.Valid() {
		t.Fatalf("Refresh() = %+v", cred)
	}
	if !strings.HasSuffix(cred.DeviceID, "-2200") {
		t.Fatalf("DeviceID = %q, want <uuid>-2200", cred.DeviceID)
	}

	again, _ := s.Refresh(context.Background())
	if again.DeviceID != cred.DeviceID {
		t.Fatalf("device id changed across refreshes: %q -> %q", cred.DeviceID, again.DeviceID)
	}
}

func TestCookieSupplierKeepsRotatedCookie(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{token: "tok", rotated: "unb=2200; _m_h5_tk=b_2"}
	s, _ := NewCookieSupplier(fetcher, "unb=2200; _m_h5_tk=a_1", "dev")

	cred, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.Cookie != "unb=2200; _m_h5_tk=b_2" || cred.DeviceID != "dev" {
		t.Fatalf("Refresh() = %+v", cred)
	}
}

func TestCookieSupplierUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cookie string
		err    error
		want   error
	}{
		{name: "no cookie", cookie: "", want: contractx.ErrCredentialUnavailable},
		{name: "no user", cookie: "_m_h5_tk=a_1", want: contractx.ErrCredentialUnavailable},
		{name: "session expired", cookie: "unb=1", err: goofishx.ErrSessionExpired, want: contractx.ErrCredentialUnavailable},
		{name: "transient", cookie: "unb=1", err: goofishx.ErrAPI, want: goofishx.ErrAPI},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _ := NewCookieSupplier(&fakeFetcher{err: tc.err}, tc.cookie, "")
			_, err := s.Refresh(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("Refresh() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCookieSupplierSetCookie(t *testing.T) {
	t.Parallel()

	s, _ := NewCookieSupplier(&fakeFetcher{token: "tok"}, "", "")
	if _, err := s.Refresh(context.Background()); !errors.Is(err, contractx.ErrCredentialUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrCredentialUnavailable", err)
	}
	s.SetCookie("unb=9")
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() after SetCookie error = %v", err)
	}
}

func TestBoltCacheServesFirstRefreshFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cred", "credential.db")
	inner := &countingSupplier{}

	first, _ := NewBoltCache(path, time.Hour, inner)
	cred, err := first.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if cred.Token != "fresh-1" || inner.calls != 1 {
		t.Fatalf("Refresh() = %+v calls=%d", cred, inner.calls)
	}

	// a restart reads the stored credential
	restarted, _ := NewBoltCache(path, time.Hour, inner)
	cached, err := restarted.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() after restart error = %v", err)
	}
	if cached.Token != "fresh-1" || inner.calls != 1 {
		t.Fatalf("Refresh() after restart = %+v calls=%d, want cached", cached, inner.calls)
	}

	// a second call follows a rejection and must not reuse the cache
	next, err := restarted.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.Token != "fresh-2" || inner.calls != 2 {
		t.Fatalf("Refresh() = %+v calls=%d, want fresh-2", next, inner.calls)
	}
}

func TestBoltCacheExpiryAndBypass(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credential.db")
	inner := &countingSupplier{}
	seed, _ := NewBoltCache(path, time.Hour, inner)
	if _, err := seed.Refresh(context.Background()); err != nil {
		t.Fatalf("seed Refresh() error = %v", err)
	}

	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	stale, _ := NewBoltCache(path, time.Hour, inner, WithCacheClock(later))
	if cred, _ := stale.Refresh(context.Background()); cred.Token != "fresh-2" {
		t.Fatalf("stale cache Refresh() = %+v, want fresh-2", cred)
	}

	bypass, _ := NewBoltCache(path, time.Hour, inner, WithBypass(true))
	if cred, _ := bypass.Refresh(context.Background()); cred.Token != "fresh-3" {
		t.Fatalf("bypass Refresh() = %+v, want fresh-3", cred)
	}
}

func TestBoltCachePassesErrors(t *testing.T) {
	t.Parallel()

	inner := &countingSupplier{err: contractx.ErrCredentialUnavailable}
	c, _ := NewBoltCache(filepath.Join(t.TempDir(), "c.db"), time.Hour, inner)
	if _, err := c.Refresh(context.Background()); !errors.Is(err, contractx.ErrCredentialUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrCredentialUnavailable", err)
	}
}
