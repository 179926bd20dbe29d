// Package pg is the optional Postgres-backed token index for MemoryStore,
// used instead of internal/memstore/sqlite when several conductor instances
// share one store (sqlite's single-writer file lock doesn't survive that).
// Schema is managed externally via `conductor migrate`, not self-created
// here, since a shared database shouldn't be migrated implicitly by
// whichever instance happens to connect first.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Index is a memstore.TokenIndex backed by a shared Postgres database.
type Index struct {
	db *sql.DB
}

// Open connects to dsn. Run `conductor migrate up` against the same DSN
// before first use so the token_counts table exists.
func Open(dsn string) (*Index, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres token index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres token index: %w", err)
	}
	return &Index{db: db}, nil
}

func (i *Index) Upsert(channelID, bucket, ts string, tokens int) error {
	_, err := i.db.Exec(
		`INSERT INTO token_counts (channel_id, bucket, ts, tokens) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_id, bucket, ts) DO UPDATE SET tokens = excluded.tokens`,
		channelID, bucket, ts, tokens,
	)
	return err
}

func (i *Index) Delete(channelID, bucket, ts string) error {
	_, err := i.db.Exec(
		`DELETE FROM token_counts WHERE channel_id = $1 AND bucket = $2 AND ts = $3`,
		channelID, bucket, ts,
	)
	return err
}

func (i *Index) Sum(channelID, bucket string) (int, error) {
	var total sql.NullInt64
	row := i.db.QueryRow(
		`SELECT SUM(tokens) FROM token_counts WHERE channel_id = $1 AND bucket = $2`,
		channelID, bucket,
	)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

func (i *Index) Close() error {
	return i.db.Close()
}
