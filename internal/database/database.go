// Package database opens the Postgres handles Anne uses: a pgx pool for
// sessions, locks, idempotency records and the River queue, and a
// database/sql handle for the audit trail, knowledge base and directory.
package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Handles bundles both connections to the same database.
type Handles struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// Close releases both handles.
func (h *Handles) Close() {
	if h == nil {
		return
	}
	if h.SQL != nil {
		_ = h.SQL.Close()
	}
	if h.Pool != nil {
		h.Pool.Close()
	}
}

// Open connects both handles and pings them. An empty url falls back to
// DATABASE_URL from the environment or the nearest .env file.
func Open(ctx context.Context, url string, maxConns int) (*Handles, error) {
	if strings.TrimSpace(url) == "" {
		var err error
		if url, err = loadDatabaseURL(); err != nil {
			return nil, fmt.Errorf("failed to get database URL: %w", err)
		}
	}

	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	h := &Handles{Pool: pool, SQL: db}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	if err := db.PingContext(pingCtx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return h, nil
}

func loadDatabaseURL() (string, error) {
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}
	return readEnvValue(envPath, "DATABASE_URL")
}

func readEnvValue(envPath, key string) (string, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", envPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 || strings.TrimSpace(line[:eqIdx]) != key {
			continue
		}

		value := strings.TrimSpace(line[eqIdx+1:])
		value = strings.Trim(value, "\"'")
		value = strings.TrimFunc(value, unicode.IsSpace)
		if value == "" {
			return "", fmt.Errorf("%s is empty in .env", key)
		}
		return value, nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}
	return "", errors.New(key + " not found in environment or .env")
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
