package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	goofishx "github.com/LeaveC/xianyubot/pkg/goofish"
)

type Config struct {
	// Cookie is the browser cookie string of the logged-in seller account.
	Cookie    string        `split_words:"true"`
	DeviceID  string        `split_words:"true"`
	CachePath string        `split_words:"true" default:"data/credential.db"`
	CacheTTL  time.Duration `split_words:"true" default:"12h"`
}

// TokenFetcher exchanges a cookie for an IM access token and may rotate the cookie.
type TokenFetcher interface {
	AccessToken(ctx context.Context, cookie string, deviceID string) (string, string, error)
}

var _ contractx.CredentialSupplier = (*CookieSupplier)(nil)

// CookieSupplier derives credentials from a seller cookie. A cookie the platform
// no longer accepts makes it report ErrCredentialUnavailable until SetCookie.
type CookieSupplier struct {
	fetcher TokenFetcher
	now     func() time.Time

	mu       sync.Mutex
	cookie   string
	deviceID string
}

func NewCookieSupplier(fetcher TokenFetcher, cookie string, deviceID string) (*CookieSupplier, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: token fetcher is required", contractx.ErrValidation)
	}
	return &CookieSupplier{
		fetcher:  fetcher,
		now:      time.Now,
		cookie:   strings.TrimSpace(cookie),
		deviceID: strings.TrimSpace(deviceID),
	}, nil
}

// SetCookie replaces the seller cookie, e.g. after a manual re-login.
func (s *CookieSupplier) SetCookie(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = strings.TrimSpace(cookie)
}

func (s *CookieSupplier) Refresh(ctx context.Context) (contractx.Credential, error) {
	s.mu.Lock()
	cookie := s.cookie
	s.mu.Unlock()

	if cookie == "" {
		return contractx.Credential{}, fmt.Errorf("%w: no cookie configured", contractx.ErrCredentialUnavailable)
	}
	userID := goofishx.ParseCookies(cookie)["unb"]
	if userID == "" {
		return contractx.Credential{}, fmt.Errorf("%w: cookie has no unb", contractx.ErrCredentialUnavailable)
	}
	deviceID := s.device(userID)

	token, rotated, err := s.fetcher.AccessToken(ctx, cookie, deviceID)
	if rotated != "" && rotated != cookie {
		s.SetCookie(rotated)
		cookie = rotated
		log.Debug().Str("user", userID).Msg("seller cookie rotated")
	}
	if err != nil {
		if errors.Is(err, goofishx.ErrSessionExpired) {
			return contractx.Credential{}, fmt.Errorf("%w: %v", contractx.ErrCredentialUnavailable, err)
		}
		return contractx.Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	return contractx.Credential{
		Cookie:   cookie,
		Token:    token,
		UserID:   userID,
		DeviceID: deviceID,
		IssuedAt: s.now(),
	}, nil
}

// device returns a stable device id; the platform expects "<UUID>-<userID>".
func (s *CookieSupplier) device(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		s.deviceID = strings.ToUpper(uuid.NewString()) + "-" + userID
	}
	return s.deviceID
}
