package state

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrSnapshotNotFound = errors.New("conversation snapshot not found")
	ErrNilSnapshot      = errors.New("conversation snapshot is nil")
	ErrSnapshotStore    = errors.New("snapshot store")
)

const (
	defaultStoreKeyPrefix = "xianyu:conv:"
	defaultStoreTTL       = 30 * 24 * time.Hour

	// snapshots are msgpack behind a version tag so the layout can change
	snapshotTag = "mp1:"
)

// SnapshotStore persists conversations across process restarts.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
}

type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.keyPrefix = p
		}
	}
}

// WithTTL sets the expiry refreshed on every save. Zero keeps snapshots forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.http = client
		}
	}
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

var _ SnapshotStore = (*UpstashRedisStore)(nil)

// UpstashRedisStore keeps one snapshot per conversation in Upstash Redis,
// written after every committed turn and read back when a key is first seen.
type UpstashRedisStore struct {
	endpoint  string
	token     string
	http      *http.Client
	keyPrefix string
	ttl       time.Duration
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("%w: rest url %q: %v", ErrSnapshotStore, cfg.URL, err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: rest token is required", ErrSnapshotStore)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &UpstashRedisStore{
		endpoint:  endpoint,
		token:     token,
		http:      &http.Client{Timeout: timeout},
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       defaultStoreTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, key string) (*Conversation, error) {
	redisKey, err := s.redisKey(key)
	if err != nil {
		return nil, err
	}
	result, err := s.command(ctx, "GET", redisKey)
	if err != nil {
		return nil, err
	}

	var stored *string
	if err := json.Unmarshal(result, &stored); err != nil {
		return nil, fmt.Errorf("%w: GET %s result: %v", ErrSnapshotStore, redisKey, err)
	}
	if stored == nil || *stored == "" {
		return nil, ErrSnapshotNotFound
	}

	conv, err := decodeSnapshot(*stored)
	if err != nil {
		return nil, fmt.Errorf("%w: conversation=%s: %v", ErrSnapshotStore, key, err)
	}
	if conv.Key != key {
		return nil, fmt.Errorf("%w: snapshot under %s belongs to %s", ErrSnapshotStore, key, conv.Key)
	}
	return conv, nil
}

func (s *UpstashRedisStore) Save(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return ErrNilSnapshot
	}
	redisKey, err := s.redisKey(conv.Key)
	if err != nil {
		return err
	}
	encoded, err := encodeSnapshot(conv)
	if err != nil {
		return fmt.Errorf("%w: conversation=%s: %v", ErrSnapshotStore, conv.Key, err)
	}

	args := []any{"SET", redisKey, encoded}
	if s.ttl > 0 {
		args = append(args, "EX", int64((s.ttl+time.Second-1)/time.Second))
	}
	_, err = s.command(ctx, args...)
	return err
}

func (s *UpstashRedisStore) redisKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	prefix := s.keyPrefix
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + key, nil
}

// command runs one Redis command through the Upstash REST endpoint and returns
// its raw result.
func (s *UpstashRedisStore) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %v: %v", ErrSnapshotStore, args[0], err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotStore, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v %v", ErrSnapshotStore, args[0], err)
	}
	defer resp.Body.Close()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v status=%d: %s", ErrSnapshotStore, args[0], resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %v: %s", ErrSnapshotStore, args[0], out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %v status=%d", ErrSnapshotStore, args[0], resp.StatusCode)
	}
	return out.Result, nil
}

// encodeSnapshot packs conv with msgpack, reusing the json field names, and
// stores it as base64 text since the REST API carries strings.
func encodeSnapshot(conv *Conversation) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(conv); err != nil {
		return "", err
	}
	return snapshotTag + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeSnapshot(stored string) (*Conversation, error) {
	payload, ok := strings.CutPrefix(stored, snapshotTag)
	if !ok {
		return nil, fmt.Errorf("unknown snapshot format %.8q", stored)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.SetCustomStructTag("json")
	var conv Conversation
	if err := dec.Decode(&conv); err != nil {
		return nil, err
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return &conv, nil
}
