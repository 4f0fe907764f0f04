package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
	goofishx "github.com/LeaveC/xianyubot/pkg/goofish"
)

// DetailFetcher is the platform call behind the catalog.
type DetailFetcher interface {
	ItemDetail(ctx context.Context, cookie string, itemID string) (goofishx.Item, error)
}

var _ contractx.ItemCatalog = (*Catalog)(nil)

type cached struct {
	item statex.Item
	at   time.Time
}

// Catalog resolves listings through the platform API and remembers them for ttl.
// Fixed prices configured per item win over the platform's listed price.
type Catalog struct {
	fetcher DetailFetcher
	cookie  func() string
	ttl     time.Duration
	fixed   map[string]float64
	now     func() time.Time

	mu    sync.Mutex
	items map[string]cached
}

type Option func(*Catalog)

func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPrices pins reference prices by item id.
func WithPrices(prices map[string]float64) Option {
	return func(c *Catalog) {
		for id, p := range prices {
			if p > 0 {
				c.fixed[strings.TrimSpace(id)] = p
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a catalog. cookie returns the current seller cookie; it is read on
// every miss because the transport may rotate credentials.
func New(fetcher DetailFetcher, cookie func() string, opts ...Option) (*Catalog, error) {
	if fetcher == nil || cookie == nil {
		return nil, fmt.Errorf("%w: catalog needs a fetcher and a cookie source", contractx.ErrValidation)
	}
	c := &Catalog{
		fetcher: fetcher,
		cookie:  cookie,
		ttl:     30 * time.Minute,
		fixed:   make(map[string]float64),
		now:     time.Now,
		items:   make(map[string]cached, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Catalog) Item(ctx context.Context, itemID string) (statex.Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return statex.Item{}, fmt.Errorf("%w: item id is required", contractx.ErrValidation)
	}

	c.mu.Lock()
	hit, ok := c.items[itemID]
	c.mu.Unlock()
	if ok && c.now().Sub(hit.at) < c.ttl {
		return hit.item, nil
	}

	detail, err := c.fetcher.ItemDetail(ctx, c.cookie(), itemID)
	if err != nil {
		if price, pinned := c.fixed[itemID]; pinned {
			return statex.Item{ID: itemID, Price: price}, nil
		}
		return statex.Item{}, fmt.Errorf("lookup item %s: %w", itemID, err)
	}

	item := statex.Item{ID: itemID, Title: detail.Title, Price: detail.Price}
	if price, pinned := c.fixed[itemID]; pinned {
		item.Price = price
	}

	c.mu.Lock()
	c.items[itemID] = cached{item: item, at: c.now()}
	c.mu.Unlock()
	return item, nil
}
