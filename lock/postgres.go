package lock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/pool"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS lambdaproxy_locks (
	id text PRIMARY KEY,
	expire timestamptz NOT NULL
)`

	acquireSQL = `INSERT INTO lambdaproxy_locks (id, expire) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET expire = EXCLUDED.expire
WHERE lambdaproxy_locks.expire < $3`

	releaseSQL = `DELETE FROM lambdaproxy_locks WHERE id = $1`
)

// PgConn is a postgres session held by a pool.
type PgConn struct {
	*pgx.Conn
}

// Close closes the session.
func (c *PgConn) Close() error {
	return c.Conn.Close(context.Background())
}

// DialPostgres returns a pool.DialFunc opening sessions from dsn. tracer may
// be nil.
func DialPostgres(dsn string, tracer pgx.QueryTracer) (pool.DialFunc[*PgConn], error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed parsing postgres dsn")
	}

	if tracer != nil {
		cfg.Tracer = tracer
	}

	return func(ctx context.Context) (*PgConn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}

		return &PgConn{Conn: conn}, nil
	}, nil
}

// PingPostgres is the liveness probe of idle sessions.
func PingPostgres(c *PgConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return c.Ping(ctx)
}

// Postgres locks ids with an upsert that only succeeds on an expired row.
type Postgres struct {
	pool *pool.Pool[*PgConn]
	ttl  time.Duration

	nowFunc func() time.Time
}

// NewPostgres returns a locker using sessions from p and creates the lock
// table when missing.
func NewPostgres(ctx context.Context, p *pool.Pool[*PgConn], ttl time.Duration) (*Postgres, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	lock := &Postgres{pool: p, ttl: ttl}

	if err := lock.exec(ctx, func(c *PgConn) error {
		_, err := c.Exec(ctx, createTableSQL)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "failed creating lock table")
	}

	return lock, nil
}

func (lock *Postgres) now() time.Time {
	if lock.nowFunc != nil {
		return lock.nowFunc()
	}

	return time.Now()
}

func (lock *Postgres) exec(ctx context.Context, fn func(*PgConn) error) error {
	lease, err := lock.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(lease.Conn)
	lease.Release(err == nil || !lease.Conn.IsClosed())

	return err
}

// Acquire returns true if id was not locked and locks it.
func (lock *Postgres) Acquire(ctx context.Context, id string) (bool, error) {
	now := lock.now()
	var affected int64

	err := lock.exec(ctx, func(c *PgConn) error {
		tag, err := c.Exec(ctx, acquireSQL, id, now.Add(lock.ttl), now)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed locking %v", id)
	}

	return affected == 1, nil
}

// Release deletes the lock on id.
func (lock *Postgres) Release(ctx context.Context, id string) error {
	err := lock.exec(ctx, func(c *PgConn) error {
		_, err := c.Exec(ctx, releaseSQL, id)
		return err
	})

	return errors.Wrapf(err, "failed releasing %v", id)
}

// Close closes the session pool.
func (lock *Postgres) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return lock.pool.Close(ctx)
}
