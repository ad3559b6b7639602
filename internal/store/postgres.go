package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keyward/internal/config"
	"keyward/internal/license"
)

// Postgres is a Store backed by PostgreSQL through the pgx stdlib
// driver. Records are stored as JSONB documents keyed by their natural
// key, so schema evolution rides on the record codec instead of ALTER
// TABLE.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres opens a connection pool for dsn and verifies it with a
// ping. Caller must Close when done.
func NewPostgres(dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultStoreTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: logger.With(slog.String("component", "postgres_store")),
	}, nil
}

// GetLicense implements Store. Missing rows are (nil, nil), not errors.
func (p *Postgres) GetLicense(ctx context.Context, code string) (*license.Record, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM license_codes WHERE code = $1`,
		license.NormalizeCode(code),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query license: %w", err)
	}
	return decodeLicenseRecord(raw)
}

// UpdateLicense implements Store. The transaction takes an advisory
// lock on the code before reading, so concurrent updates of the same
// code serialize even when the row does not exist yet.
func (p *Postgres) UpdateLicense(ctx context.Context, code string, fn LicenseUpdateFunc) error {
	key := license.NormalizeCode(code)
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock($1)`, lockKey("license", key),
		); err != nil {
			return fmt.Errorf("lock license: %w", err)
		}

		var current *license.Record
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT record FROM license_codes WHERE code = $1`, key,
		).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("query license: %w", err)
		default:
			if current, err = decodeLicenseRecord(raw); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode license: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO license_codes (code, record, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (code) DO UPDATE
			 SET record = EXCLUDED.record, updated_at = now()`,
			license.NormalizeCode(next.Code), data,
		); err != nil {
			return fmt.Errorf("write license: %w", err)
		}
		return nil
	})
}

// ListLicenses implements Store.
func (p *Postgres) ListLicenses(ctx context.Context) ([]*license.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT record FROM license_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []*license.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		rec, err := decodeLicenseRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return out, nil
}

// GetTrial implements Store.
func (p *Postgres) GetTrial(ctx context.Context, hardware license.Fingerprint) (*license.TrialRecord, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM trial_records WHERE hardware_fingerprint = $1`,
		string(hardware),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trial: %w", err)
	}
	return decodeTrialRecord(raw)
}

// UpdateTrial implements Store.
func (p *Postgres) UpdateTrial(ctx context.Context, hardware license.Fingerprint, fn TrialUpdateFunc) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock($1)`, lockKey("trial", string(hardware)),
		); err != nil {
			return fmt.Errorf("lock trial: %w", err)
		}

		var current *license.TrialRecord
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT record FROM trial_records WHERE hardware_fingerprint = $1`,
			string(hardware),
		).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("query trial: %w", err)
		default:
			if current, err = decodeTrialRecord(raw); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode trial: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_records (hardware_fingerprint, record, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (hardware_fingerprint) DO UPDATE
			 SET record = EXCLUDED.record, updated_at = now()`,
			string(hardware), data,
		); err != nil {
			return fmt.Errorf("write trial: %w", err)
		}
		return nil
	})
}

// Health implements Store.
func (p *Postgres) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close implements Store.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Error("rollback failed",
				slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func decodeLicenseRecord(raw []byte) (*license.Record, error) {
	var rec license.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode license record: %w", err)
	}
	return &rec, nil
}

func decodeTrialRecord(raw []byte) (*license.TrialRecord, error) {
	var rec license.TrialRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode trial record: %w", err)
	}
	return &rec, nil
}

// lockKey folds a namespaced store key into the bigint space of
// pg_advisory_xact_lock.
func lockKey(namespace, key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return int64(h.Sum64())
}
