package lock

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Postgres is a Backend on the run_locks table created by the store schema.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// TryAcquire inserts the lock row, or takes over a row whose holder expired.
func (p *Postgres) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO run_locks (name, token, expires_at) VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE run_locks.expires_at < now()`, name, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE run_locks SET expires_at = now() + $3 * interval '1 millisecond'
		WHERE name = $1 AND token = $2 AND expires_at >= now()`, name, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *Postgres) Release(ctx context.Context, name, token string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM run_locks WHERE name = $1 AND token = $2`, name, token)
	return err
}
