package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool connects using DATABASE_URL, falling back to discrete
// DB_* environment variables.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		host := getEnv("DB_HOST", "localhost")
		port := getEnv("DB_PORT", "5432")
		user := getEnv("DB_USER", "dagster")
		password := getEnv("DB_PASSWORD", "dagster123")
		dbname := getEnv("DB_NAME", "dagster")
		connStr = "postgres://" + user + ":" + password + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
