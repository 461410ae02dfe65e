// Package db provides database connection helpers, schema migration, and the
// oauth token row used by the chat credential refresher. The schema runs on
// Postgres in production and SQLite for local development and tests; both
// back the same documents table the docstore builds on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // cgo-free sqlite driver registered as 'sqlite'

	"github.com/luminbot/luminbot/crypto"
)

// Dialects accepted throughout the db and docstore packages.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the token encryptor from ENCRYPTION_KEY. When the
// key is unset tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, oauth tokens will be stored in plaintext", slog.String("component", "db"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", encryptorErr), slog.String("component", "db"))
			return
		}
		encryptor = enc
		slog.Info("oauth token encryption enabled (AES-256-GCM)", slog.String("component", "db"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// DialectFor reports which dialect a DSN selects: postgres:// (or
// postgresql://) DSNs use pgx, anything else is treated as a sqlite path such
// as data.db or file::memory:?cache=shared.
func DialectFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Open opens the database named by dsn and returns the connection together
// with its dialect. An empty dsn falls back to DB_DSN, then to a local sqlite
// file matching the original deployment.
func Open(dsn string) (*sql.DB, string, error) {
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		dsn = "data.db"
	}
	dialect := DialectFor(dsn)
	driver := "sqlite"
	if dialect == DialectPostgres {
		driver = "pgx"
	}
	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// modernc sqlite is not safe for concurrent writers across multiple
		// connections to the same handle.
		database.SetMaxOpenConns(1)
	}
	return database, dialect, nil
}

// Rebind converts ?-style placeholders to the dialect's native form. SQLite
// takes ? as written; Postgres needs $1..$N.
func Rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate applies idempotent schema changes for the documents and oauth token
// tables. Safe to run on every start, on both dialects.
func Migrate(ctx context.Context, database *sql.DB, dialect string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			document_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMP,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for i, s := range stmts {
		if _, err := database.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", dialect, i, err)
		}
	}
	return nil
}

// UpsertOAuthToken stores or updates the oauth token for a provider. With
// ENCRYPTION_KEY set the token values are encrypted before storage
// (encryption_version = 1).
func UpsertOAuthToken(ctx context.Context, database *sql.DB, dialect, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}
	encVersion := 0
	accessToStore := access
	refreshToStore := refresh
	if enc != nil {
		encVersion = 1
		if accessToStore, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refreshToStore, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	q := Rebind(dialect, `INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			encryption_version = excluded.encryption_version,
			updated_at = CURRENT_TIMESTAMP`)
	if _, err := database.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry.UTC(), scope, encVersion); err != nil {
		return fmt.Errorf("upsert oauth token %s: %w", provider, err)
	}
	return nil
}

// GetOAuthToken retrieves a stored token row, decrypting when the row was
// written with encryption enabled. Returns zero values when no row exists.
func GetOAuthToken(ctx context.Context, database *sql.DB, dialect, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	q := Rebind(dialect, `SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0) FROM oauth_tokens WHERE provider = ?`)
	var encVersion int
	row := database.QueryRowContext(ctx, q, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("get oauth token %s: %w", provider, err)
	}
	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		if access, err = crypto.DecryptString(enc, access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(enc, refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, expiry, scope, nil
}
