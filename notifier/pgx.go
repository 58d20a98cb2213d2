package notifier

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxListener holds one pooled connection dedicated to LISTEN.
type pgxListener struct {
	conn *pgxpool.Conn
}

// PoolListener returns a listener factory backed by a pgx pool. Each call
// dedicates one pooled connection until Close.
func PoolListener(pool *pgxpool.Pool) func(ctx context.Context) (Listener, error) {
	return func(ctx context.Context) (Listener, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
		}
		return &pgxListener{conn: conn}, nil
	}
}

func (l *pgxListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return nil
}

func (l *pgxListener) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (l *pgxListener) Close(_ context.Context) error {
	l.conn.Release()
	return nil
}

// poolSender publishes notifications through the shared pool.
type poolSender struct {
	pool *pgxpool.Pool
}

// PoolSender returns a Sender backed by a pgx pool.
func PoolSender(pool *pgxpool.Pool) Sender {
	return &poolSender{pool: pool}
}

func (s *poolSender) Notify(ctx context.Context, channel, payload string) error {
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}
