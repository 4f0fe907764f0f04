package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

var (
	bucketCredentials = []byte("credentials")
	keyCurrent        = []byte("current")
)

var _ contractx.CredentialSupplier = (*BoltCache)(nil)

// BoltCache keeps the last issued credential on disk so restarts skip the token
// exchange. Only the first Refresh may be served from disk: later calls follow a
// rejection and always go to the wrapped supplier.
type BoltCache struct {
	path  string
	ttl   time.Duration
	inner contractx.CredentialSupplier
	now   func() time.Time

	mu     sync.Mutex
	primed bool
}

type CacheOption func(*BoltCache)

// WithBypass skips the on-disk copy entirely on the first Refresh.
func WithBypass(bypass bool) CacheOption {
	return func(c *BoltCache) {
		if bypass {
			c.primed = true
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *BoltCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewBoltCache(path string, ttl time.Duration, inner contractx.CredentialSupplier, opts ...CacheOption) (*BoltCache, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: inner supplier is required", contractx.ErrValidation)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: cache path is required", contractx.ErrValidation)
	}
	c := &BoltCache{path: path, ttl: ttl, inner: inner, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *BoltCache) Refresh(ctx context.Context) (contractx.Credential, error) {
	c.mu.Lock()
	firstCall := !c.primed
	c.primed = true
	c.mu.Unlock()

	if firstCall {
		cred, ok, err := c.load()
		if err != nil {
			log.Warn().Err(err).Str("path", c.path).Msg("credential cache unreadable")
		}
		if ok && cred.Valid() && (c.ttl <= 0 || c.now().Sub(cred.IssuedAt) < c.ttl) {
			log.Info().Str("user", cred.UserID).Time("issued_at", cred.IssuedAt).Msg("using cached credential")
			return cred, nil
		}
	}

	cred, err := c.inner.Refresh(ctx)
	if err != nil {
		return contractx.Credential{}, err
	}
	if err := c.save(cred); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("credential cache write failed")
	}
	return cred, nil
}

func (c *BoltCache) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return nil, err
	}
	return bolt.Open(c.path, 0o600, &bolt.Options{Timeout: time.Second})
}

func (c *BoltCache) load() (contractx.Credential, bool, error) {
	db, err := c.open()
	if err != nil {
		return contractx.Credential{}, false, err
	}
	defer func() { _ = db.Close() }()

	var (
		cred  contractx.Credential
		found bool
	)
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b == nil {
			return nil
		}
		v := b.Get(keyCurrent)
		if len(v) == 0 {
			return nil
		}
		if err := json.Unmarshal(v, &cred); err != nil {
			return fmt.Errorf("decode cached credential: %w", err)
		}
		found = true
		return nil
	})
	return cred, found, err
}

func (c *BoltCache) save(cred contractx.Credential) error {
	enc, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	db, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketCredentials)
		if err != nil {
			return err
		}
		return b.Put(keyCurrent, enc)
	})
}
