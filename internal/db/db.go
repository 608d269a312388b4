// Package db establishes the backing connections the workspace server
// needs: postgres for workspace records and Redis for the lifecycle bus
// and rate limiting.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DB bundles the server's database connections.
type DB struct {
	Postgres *sql.DB
	Redis    *redis.Client
}

// Connect opens and verifies both connections.
func Connect(ctx context.Context, databaseURL, redisAddr, redisPassword string) (*DB, error) {
	pg, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pg.SetMaxOpenConns(25)
	pg.SetMaxIdleConns(5)
	pg.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.PingContext(pingCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logrus.Info("postgres connection established")

	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pg.Close()
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logrus.Info("redis connection established")

	return &DB{Postgres: pg, Redis: rdb}, nil
}

// Close closes both connections.
func (d *DB) Close() {
	if d.Postgres != nil {
		d.Postgres.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
}
