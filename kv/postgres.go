package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore keeps one row per node in the kv table. parent and name are
// denormalized from key so ordered child lookups hit the (parent, length(name), name) index.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an open database whose schema has been migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{DB: db} }

func (s *PostgresStore) Get(ctx context.Context, p Path, out any) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = $1`, p.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", p, err)
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", p, err)
	}
	return true, nil
}

func (s *PostgresStore) Set(ctx context.Context, p Path, v any) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO kv (key, parent, name, value, updated_at) VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		p.String(), p.Parent().String(), p.Name(), string(raw))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", p, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p Path, v any) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", p, err)
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO kv (key, parent, name, value, updated_at) VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (key) DO NOTHING`,
		p.String(), p.Parent().String(), p.Name(), string(raw))
	if err != nil {
		return false, fmt.Errorf("kv create %s: %w", p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv create %s: %w", p, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Update(ctx context.Context, p Path, fields map[string]any) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO kv (key, parent, name, value, updated_at) VALUES ($1, $2, $3, $4::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET
		  value = CASE WHEN jsonb_typeof(kv.value) = 'object' THEN kv.value || EXCLUDED.value ELSE EXCLUDED.value END,
		  updated_at = NOW()`,
		p.String(), p.Parent().String(), p.Name(), string(raw))
	if err != nil {
		return fmt.Errorf("kv update %s: %w", p, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, p Path) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM kv WHERE key = $1 OR starts_with(key, $2)`, p.String(), p.String()+"/"); err != nil {
		return fmt.Errorf("kv delete %s: %w", p, err)
	}
	return nil
}

func (s *PostgresStore) FirstChild(ctx context.Context, p Path) (string, bool, error) {
	return s.edgeChild(ctx, p, `SELECT name FROM kv WHERE parent = $1 ORDER BY length(name), name LIMIT 1`)
}

func (s *PostgresStore) LastChild(ctx context.Context, p Path) (string, bool, error) {
	return s.edgeChild(ctx, p, `SELECT name FROM kv WHERE parent = $1 ORDER BY length(name) DESC, name DESC LIMIT 1`)
}

func (s *PostgresStore) edgeChild(ctx context.Context, p Path, q string) (string, bool, error) {
	if err := p.Validate(); err != nil {
		return "", false, err
	}
	var name string
	err := s.DB.QueryRowContext(ctx, q, p.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv child %s: %w", p, err)
	}
	return name, true, nil
}

func (s *PostgresStore) Children(ctx context.Context, p Path) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT name FROM kv WHERE parent = $1 ORDER BY length(name), name`, p.String())
	if err != nil {
		return nil, fmt.Errorf("kv children %s: %w", p, err)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
