package goofish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSessionExpired = errors.New("goofish session expired")
	ErrAPI            = errors.New("goofish api call failed")
)

const maxResponseSizeBytes = 2 << 20

type Config struct {
	BaseURL  string        `split_words:"true" default:"https://h5api.m.goofish.com/h5/"`
	AppKey   string        `split_words:"true" default:"34839810"`
	IMAppKey string        `envconfig:"IM_APP_KEY" default:"444e9908a51d1cb236a27862abc769c9"`
	Timeout  time.Duration `split_words:"true" default:"10s"`
}

type Client struct {
	baseURL    string
	appKey     string
	imAppKey   string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("goofish base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AppKey) == "" {
		return nil, errors.New("goofish app key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/") + "/",
		appKey:   strings.TrimSpace(cfg.AppKey),
		imAppKey: strings.TrimSpace(cfg.IMAppKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// ParseCookies splits a "k=v; k2=v2" header value.
func ParseCookies(raw string) map[string]string {
	out := make(map[string]string, 16)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Sign is the mtop request signature: md5(token&t&appKey&data).
func Sign(t, token, appKey, data string) string {
	sum := md5.Sum([]byte(token + "&" + t + "&" + appKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

type mtopResponse struct {
	Ret  []string        `json:"ret"`
	Data json.RawMessage `json:"data"`
}

func (r mtopResponse) ok() bool {
	for _, ret := range r.Ret {
		if strings.HasPrefix(ret, "SUCCESS") {
			return true
		}
	}
	return false
}

func (r mtopResponse) err() error {
	joined := strings.Join(r.Ret, ",")
	if strings.Contains(joined, "TOKEN_EXOIRED") ||
		strings.Contains(joined, "TOKEN_EXPIRED") ||
		strings.Contains(joined, "SESSION_EXPIRED") ||
		strings.Contains(joined, "FAIL_SYS_USER_VALIDATE") {
		return fmt.Errorf("%w: %s", ErrSessionExpired, joined)
	}
	return fmt.Errorf("%w: %s", ErrAPI, joined)
}

// MergeCookies overlays cookies set by a response onto a "k=v; ..." string,
// keeping the original order and appending new names.
func MergeCookies(raw string, set []*http.Cookie) string {
	if len(set) == 0 {
		return raw
	}
	updates := make(map[string]string, len(set))
	for _, c := range set {
		updates[c.Name] = c.Value
	}

	parts := make([]string, 0, 16)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		k, _, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if v, replaced := updates[k]; replaced {
			part = k + "=" + v
			delete(updates, k)
		}
		parts = append(parts, part)
	}
	for _, c := range set {
		if v, pending := updates[c.Name]; pending {
			parts = append(parts, c.Name+"="+v)
			delete(updates, c.Name)
		}
	}
	return strings.Join(parts, "; ")
}

// call signs and posts one mtop request. When the platform rotates _m_h5_tk
// the request is retried once with the new cookie, which is returned.
func (c *Client) call(ctx context.Context, api string, cookie string, data string) (json.RawMessage, string, error) {
	out, set, err := c.post(ctx, api, cookie, data)
	if err == nil || !errors.Is(err, ErrSessionExpired) {
		return out, cookie, err
	}
	rotated := MergeCookies(cookie, set)
	if ParseCookies(rotated)["_m_h5_tk"] == ParseCookies(cookie)["_m_h5_tk"] {
		return nil, cookie, err
	}
	out, _, err = c.post(ctx, api, rotated, data)
	return out, rotated, err
}

func (c *Client) post(ctx context.Context, api string, cookie string, data string) (json.RawMessage, []*http.Cookie, error) {
	cookies := ParseCookies(cookie)
	tk := cookies["_m_h5_tk"]
	if tk == "" {
		return nil, nil, fmt.Errorf("%w: _m_h5_tk cookie missing", ErrSessionExpired)
	}
	token, _, _ := strings.Cut(tk, "_")

	t := strconv.FormatInt(c.now().UnixMilli(), 10)
	params := url.Values{
		"jsv":           {"2.7.2"},
		"appKey":        {c.appKey},
		"t":             {t},
		"sign":          {Sign(t, token, c.appKey, data)},
		"v":             {"1.0"},
		"type":          {"originaljson"},
		"accountSite":   {"xianyu"},
		"dataType":      {"json"},
		"timeout":       {"20000"},
		"api":           {api},
		"sessionOption": {"AutoLoginOnly"},
	}
	endpoint := c.baseURL + api + "/1.0/?" + params.Encode()
	body := url.Values{"data": {data}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", api, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://www.goofish.com")
	req.Header.Set("Referer", "https://www.goofish.com/")
	req.Header.Set("Cookie", cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrAPI, api, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", api, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, resp.Cookies(), fmt.Errorf("%w: %s http status=%d", ErrAPI, api, resp.StatusCode)
	}

	var parsed mtopResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resp.Cookies(), fmt.Errorf("decode %s response: %w", api, err)
	}
	if !parsed.ok() {
		return nil, resp.Cookies(), parsed.err()
	}
	return parsed.Data, resp.Cookies(), nil
}

// AccessToken exchanges the login cookie for an IM access token. The returned
// cookie carries any rotated _m_h5_tk and should replace the caller's copy.
func (c *Client) AccessToken(ctx context.Context, cookie string, deviceID string) (string, string, error) {
	data := fmt.Sprintf(`{"appKey":"%s","deviceId":"%s"}`, c.imAppKey, deviceID)
	raw, cookie, err := c.call(ctx, "mtop.taobao.idlemessage.pc.login.token", cookie, data)
	if err != nil {
		return "", cookie, err
	}

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", cookie, fmt.Errorf("decode access token: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", cookie, fmt.Errorf("%w: empty access token", ErrAPI)
	}
	return out.AccessToken, cookie, nil
}

type Item struct {
	ID    string
	Title string
	Price float64
}

// ItemDetail fetches the listing title and sold price.
func (c *Client) ItemDetail(ctx context.Context, cookie string, itemID string) (Item, error) {
	data := fmt.Sprintf(`{"itemId":"%s"}`, itemID)
	raw, _, err := c.call(ctx, "mtop.taobao.idle.pc.detail", cookie, data)
	if err != nil {
		return Item{}, err
	}

	var out struct {
		ItemDO struct {
			Title     string          `json:"title"`
			SoldPrice json.RawMessage `json:"soldPrice"`
		} `json:"itemDO"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Item{}, fmt.Errorf("decode item detail: %w", err)
	}

	price, err := parseLoosePrice(out.ItemDO.SoldPrice)
	if err != nil {
		return Item{}, fmt.Errorf("%w: item %s price: %v", ErrAPI, itemID, err)
	}
	return Item{ID: itemID, Title: out.ItemDO.Title, Price: price}, nil
}

// parseLoosePrice accepts a JSON number or a quoted number.
func parseLoosePrice(raw json.RawMessage) (float64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, errors.New("missing")
	}
	return strconv.ParseFloat(s, 64)
}
