package pgparcels

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const connectRetries = 5

type Storage struct {
	db *pgxpool.Pool
	// defaultZone is used for users without a stored time zone.
	defaultZone *time.Location
}

func New(ctx context.Context, connString string, defaultZone *time.Location) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	// Postgres может подняться позже воркера (docker compose), ждём его.
	ping := func() error { return db.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping pg")
	}

	if defaultZone == nil {
		defaultZone = time.UTC
	}
	s := &Storage{db: db, defaultZone: defaultZone}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping pg")
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
