package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	statex "github.com/LeaveC/xianyubot/agent/state"
)

var ErrArchive = errors.New("conversation archive failed")

type Config struct {
	DSN          string        `envconfig:"DSN"`
	Table        string        `default:"conversation_archive"`
	DialTimeout  time.Duration `split_words:"true" default:"5s"`
	WriteTimeout time.Duration `split_words:"true" default:"5s"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// Record is one evicted conversation.
type Record struct {
	bun.BaseModel `bun:"table:conversation_archive,alias:ca"`

	ID              string          `bun:"id,pk"`
	ConversationKey string          `bun:"conversation_key,notnull"`
	BuyerID         string          `bun:"buyer_id,nullzero"`
	ItemID          string          `bun:"item_id,nullzero"`
	ItemTitle       string          `bun:"item_title,nullzero"`
	ListedPrice     float64         `bun:"listed_price,nullzero"`
	Stage           string          `bun:"stage,notnull"`
	Outcome         string          `bun:"outcome,nullzero"`
	AgreedPrice     float64         `bun:"agreed_price,nullzero"`
	FinalOffer      float64         `bun:"final_offer,nullzero"`
	Rounds          int             `bun:"rounds,notnull,default:0"`
	MessageCount    int             `bun:"message_count,notnull"`
	Transcript      []MessageRecord `bun:"transcript,type:jsonb"`
	StartedAt       time.Time       `bun:"started_at,notnull"`
	LastActivity    time.Time       `bun:"last_activity,notnull"`
	ArchivedAt      time.Time       `bun:"archived_at,notnull"`
}

type MessageRecord struct {
	ID    string    `json:"id"`
	Role  string    `json:"role"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
	Price *float64  `json:"price,omitempty"`
}

var _ statex.Archiver = (*Postgres)(nil)

// Postgres writes evicted conversations to a Postgres table through bun.
type Postgres struct {
	db      *bun.DB
	table   string
	timeout time.Duration
	now     func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func NewPostgres(cfg Config) (*Postgres, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: dsn is required", ErrArchive)
	}
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DSN),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
		pgdriver.WithWriteTimeout(cfg.WriteTimeout),
	)
	return newPostgres(bun.NewDB(sql.OpenDB(connector), pgdialect.New()), cfg), nil
}

func newPostgres(db *bun.DB, cfg Config) *Postgres {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "conversation_archive"
	}
	return &Postgres{
		db:      db,
		table:   table,
		timeout: cfg.WriteTimeout,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// EnsureSchema creates the archive table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.NewCreateTable().
		Model((*Record)(nil)).
		ModelTableExpr("?", bun.Ident(p.table)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: create table %s: %v", ErrArchive, p.table, err)
	}
	return nil
}

func (p *Postgres) Archive(ctx context.Context, conv statex.Conversation) error {
	rec := p.record(conv)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if _, err := p.insert(&rec).Exec(ctx); err != nil {
		return fmt.Errorf("%w: conversation=%s: %v", ErrArchive, conv.Key, err)
	}
	log.Debug().Str("conversation", conv.Key).Str("archive_id", rec.ID).Int("messages", rec.MessageCount).Msg("conversation archived")
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) insert(rec *Record) *bun.InsertQuery {
	return p.db.NewInsert().Model(rec).ModelTableExpr("? AS ca", bun.Ident(p.table))
}

func (p *Postgres) newID(at time.Time) string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), p.entropy).String()
}

func (p *Postgres) record(conv statex.Conversation) Record {
	now := p.now()
	rec := Record{
		ID:              p.newID(now),
		ConversationKey: conv.Key,
		BuyerID:         conv.BuyerID,
		ItemID:          conv.Item.ID,
		ItemTitle:       conv.Item.Title,
		ListedPrice:     conv.Item.Price,
		Stage:           string(conv.Stage),
		MessageCount:    len(conv.Messages),
		Transcript:      make([]MessageRecord, 0, len(conv.Messages)),
		StartedAt:       conv.CreatedAt,
		LastActivity:    conv.LastActivity,
		ArchivedAt:      now,
	}
	if n := conv.Negotiation; n != nil {
		rec.Outcome = string(n.Outcome)
		rec.AgreedPrice = n.AgreedPrice
		rec.FinalOffer = n.CurrentOffer
		rec.Rounds = n.Round
	}
	for _, m := range conv.Messages {
		mr := MessageRecord{ID: m.ID, Role: string(m.Role), Text: m.Text, At: m.Timestamp}
		if price, ok := m.Price(); ok {
			mr.Price = &price
		}
		rec.Transcript = append(rec.Transcript, mr)
	}
	return rec
}
