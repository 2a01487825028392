// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// poolIface is the subset of pgxpool.Pool used by PostgresStore.
// pgxmock.PgxPoolIface satisfies it in unit tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on a single plugin_store table.
type PostgresStore struct {
	pool poolIface
}

// NewPostgresStore connects to PostgreSQL and returns a store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Write upserts a field value.
func (s *PostgresStore) Write(ctx context.Context, hash, field, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_store (hash, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (hash, field) DO UPDATE SET value = EXCLUDED.value`,
		hash, field, value)
	if err != nil {
		return wrapErr(err, "write").With("hash", hash).With("field", field).Wrap(err)
	}
	return nil
}

// Read returns a field value or "" when absent.
func (s *PostgresStore) Read(ctx context.Context, hash, field string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM plugin_store WHERE hash = $1 AND field = $2`,
		hash, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapErr(err, "read").With("hash", hash).With("field", field).Wrap(err)
	}
	return value, nil
}

// Exists reports whether a hash, or one of its fields, exists.
func (s *PostgresStore) Exists(ctx context.Context, hash, field string) (bool, error) {
	var (
		exists bool
		err    error
	)
	if field == "" {
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM plugin_store WHERE hash = $1)`,
			hash).Scan(&exists)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM plugin_store WHERE hash = $1 AND field = $2)`,
			hash, field).Scan(&exists)
	}
	if err != nil {
		return false, wrapErr(err, "exists").With("hash", hash).Wrap(err)
	}
	return exists, nil
}

// Destroy removes matching hashes, or a single field of each.
//
// Literal patterns are deleted directly. Wildcard patterns are narrowed by
// their literal prefix in SQL and filtered with the glob matcher, so matching
// is identical to MemoryStore.
func (s *PostgresStore) Destroy(ctx context.Context, pattern, field string) error {
	prefix, literal := literalPrefix(pattern)
	if literal {
		return s.destroyHashes(ctx, []string{prefix}, field)
	}

	hashes, err := Collect(s.Iterate(ctx, pattern))
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	return s.destroyHashes(ctx, hashes, field)
}

func (s *PostgresStore) destroyHashes(ctx context.Context, hashes []string, field string) error {
	var err error
	if field == "" {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM plugin_store WHERE hash = ANY($1)`,
			hashes)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM plugin_store WHERE hash = ANY($1) AND field = $2`,
			hashes, field)
	}
	if err != nil {
		return wrapErr(err, "destroy").With("hashes", len(hashes)).With("field", field).Wrap(err)
	}
	return nil
}

// Iterate streams matching hashes in byte order.
func (s *PostgresStore) Iterate(ctx context.Context, pattern string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g, err := compilePattern(pattern)
		if err != nil {
			yield("", err)
			return
		}
		prefix, _ := literalPrefix(pattern)

		rows, err := s.pool.Query(ctx,
			`SELECT DISTINCT hash FROM plugin_store WHERE hash LIKE $1 ESCAPE '\' ORDER BY hash COLLATE "C"`,
			escapeLike(prefix)+"%")
		if err != nil {
			yield("", wrapErr(err, "iterate").With("pattern", pattern).Wrap(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var hash string
			if err := rows.Scan(&hash); err != nil {
				yield("", oops.With("operation", "scan hash row").With("pattern", pattern).Wrap(err))
				return
			}
			if !g.Match(hash) {
				continue
			}
			if !yield(hash, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", oops.With("operation", "iterate hashes").With("pattern", pattern).Wrap(err))
		}
	}
}

// escapeLike escapes LIKE metacharacters so s matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// wrapErr starts an oops builder for a failed statement. A missing table means
// migrations were never applied, which is worth telling the operator.
func wrapErr(err error, operation string) oops.OopsErrorBuilder {
	builder := oops.In("store").With("operation", operation)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		builder = builder.Code("STORE_NOT_MIGRATED").Hint("run `pluginhost migrate` to create the plugin_store table")
	}
	return builder
}
