package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

type generationRow struct {
	bun.BaseModel `bun:"table:cache_generations"`

	Name      string    `bun:"name,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type entryRow struct {
	bun.BaseModel `bun:"table:cache_entries"`

	Generation string    `bun:"generation,pk"`
	RequestKey string    `bun:"request_key,pk"`
	Status     int       `bun:"status,notnull"`
	Header     []byte    `bun:"header"`
	Body       []byte    `bun:"body"`
	StoredAt   time.Time `bun:"stored_at,notnull"`
}

// Interface assertion to ensure SQLStorage implements cache.Storage
var _ cache.Storage = (*SQLStorage)(nil)

// SQLStorage keeps response generations in SQLite tables.
type SQLStorage struct {
	db *bun.DB
}

// NewSQLStorage creates a storage on top of db. Call Init before use.
func NewSQLStorage(db *bun.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// Init creates the cache tables when they do not exist.
func (s *SQLStorage) Init(ctx context.Context) error {
	models := []any{(*generationRow)(nil), (*entryRow)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("cachestore: create table: %w", err)
		}
	}
	return nil
}

// Open returns the named generation, creating it when missing.
func (s *SQLStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	if name == "" {
		return nil, cache.ErrInvalidGeneration
	}

	row := &generationRow{Name: name, CreatedAt: time.Now().UTC()}
	if _, err := s.db.NewInsert().Model(row).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("cachestore: open generation %s: %w", name, err)
	}
	return &sqlGeneration{db: s.db, name: name}, nil
}

// Has reports whether the generation exists.
func (s *SQLStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.NewSelect().Model((*generationRow)(nil)).Where("name = ?", name).Exists(ctx)
}

// Names lists generations in creation order.
func (s *SQLStorage) Names(ctx context.Context) ([]string, error) {
	var rows []generationRow
	if err := s.db.NewSelect().Model(&rows).Order("created_at ASC", "name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("cachestore: list generations: %w", err)
	}

	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row.Name
	}
	return names, nil
}

// Delete removes the generation and all of its entries in one transaction.
func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*entryRow)(nil)).Where("generation = ?", name).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*generationRow)(nil)).Where("name = ?", name).Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cachestore: delete generation %s: %w", name, err)
	}
	return deleted, nil
}

type sqlGeneration struct {
	db   *bun.DB
	name string
}

func (g *sqlGeneration) Name() string {
	return g.name
}

func (g *sqlGeneration) Match(ctx context.Context, key string) (*cache.Entry, error) {
	var row entryRow
	err := g.db.NewSelect().
		Model(&row).
		Where("generation = ? AND request_key = ?", g.name, key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: match %s: %w", key, err)
	}
	return row.toEntry()
}

func (g *sqlGeneration) Put(ctx context.Context, entry *cache.Entry) error {
	return g.PutAll(ctx, []*cache.Entry{entry})
}

func (g *sqlGeneration) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]entryRow, 0, len(entries))
	for _, entry := range entries {
		row, err := newEntryRow(g.name, entry)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*generationRow)(nil)).Where("name = ?", g.name).Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return ErrGenerationDeleted
		}

		_, err = tx.NewInsert().
			Model(&rows).
			On("CONFLICT (generation, request_key) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("header = EXCLUDED.header").
			Set("body = EXCLUDED.body").
			Set("stored_at = EXCLUDED.stored_at").
			Exec(ctx)
		return err
	})
}

func (g *sqlGeneration) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := g.db.NewSelect().
		Model((*entryRow)(nil)).
		Column("request_key").
		Where("generation = ?", g.name).
		Order("request_key ASC").
		Scan(ctx, &keys)
	if err != nil {
		return nil, fmt.Errorf("cachestore: keys %s: %w", g.name, err)
	}
	return keys, nil
}

func newEntryRow(generation string, entry *cache.Entry) (entryRow, error) {
	header, err := msgpack.Marshal(entry.Header)
	if err != nil {
		return entryRow{}, fmt.Errorf("cachestore: encode header for %s: %w", entry.Key, err)
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	return entryRow{
		Generation: generation,
		RequestKey: entry.Key,
		Status:     entry.Status,
		Header:     header,
		Body:       entry.Body,
		StoredAt:   storedAt,
	}, nil
}

func (r entryRow) toEntry() (*cache.Entry, error) {
	entry := &cache.Entry{
		Key:      r.RequestKey,
		Status:   r.Status,
		Body:     r.Body,
		StoredAt: r.StoredAt,
	}
	if len(r.Header) > 0 {
		if err := msgpack.Unmarshal(r.Header, &entry.Header); err != nil {
			return nil, fmt.Errorf("cachestore: decode header for %s: %w", r.RequestKey, err)
		}
	}
	return entry, nil
}
