package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chatsync/internal/migrations"
	"chatsync/internal/security"
	"chatsync/pkg/constants"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the on-disk local store. It holds the overlay key/value
// entries and the persisted auth tokens.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, constants.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	closeWith := func(cause error) error {
		if closeErr := db.Close(); closeErr != nil {
			return fmt.Errorf("%w (close error: %v)", cause, closeErr)
		}
		return cause
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(fmt.Errorf("failed to ping database: %w", err))
	}

	if err := migrations.RunMigrations(db); err != nil {
		return nil, closeWith(fmt.Errorf("failed to initialize schema: %w", err))
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Get returns the value stored under key. found is false when the key is absent.
func (d *Database) Get(ctx context.Context, key string) (value string, found bool, err error) {
	lookupKey, err := d.encryptor.EncryptForLookupIfEnabled(key)
	if err != nil {
		return "", false, fmt.Errorf("failed to encrypt storage key: %w", err)
	}

	var stored string
	err = retryableDBOperationNoReturn(ctx, func() error {
		return d.db.QueryRowContext(ctx,
			`SELECT value FROM local_storage WHERE storage_key = ?`, lookupKey).Scan(&stored)
	}, "get local storage value")
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	value, err = d.encryptor.DecryptIfEnabled(stored)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt value for key: %w", err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value
func (d *Database) Set(ctx context.Context, key, value string) error {
	lookupKey, err := d.encryptor.EncryptForLookupIfEnabled(key)
	if err != nil {
		return fmt.Errorf("failed to encrypt storage key: %w", err)
	}
	encrypted, err := d.encryptor.EncryptIfEnabled(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO local_storage (storage_key, value) VALUES (?, ?)
			ON CONFLICT(storage_key) DO UPDATE SET value = excluded.value
		`, lookupKey, encrypted)
		return err
	}, "set local storage value")
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Database) Delete(ctx context.Context, key string) error {
	lookupKey, err := d.encryptor.EncryptForLookupIfEnabled(key)
	if err != nil {
		return fmt.Errorf("failed to encrypt storage key: %w", err)
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM local_storage WHERE storage_key = ?`, lookupKey)
		return err
	}, "delete local storage value")
}

// Count returns the number of stored keys
func (d *Database) Count(ctx context.Context) (int, error) {
	var n int
	err := retryableDBOperationNoReturn(ctx, func() error {
		return d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM local_storage`).Scan(&n)
	}, "count local storage keys")
	return n, err
}

// SaveTokens persists the current access and refresh token pair
func (d *Database) SaveTokens(ctx context.Context, accessToken, refreshToken string) error {
	encAccess, err := d.encryptor.EncryptIfEnabled(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := d.encryptor.EncryptIfEnabled(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO auth_tokens (id, access_token, refresh_token) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				updated_at = CURRENT_TIMESTAMP
		`, encAccess, encRefresh)
		return err
	}, "save auth tokens")
}

// LoadTokens returns the persisted token pair. found is false if none was saved.
func (d *Database) LoadTokens(ctx context.Context) (accessToken, refreshToken string, found bool, err error) {
	var encAccess, encRefresh string
	err = retryableDBOperationNoReturn(ctx, func() error {
		return d.db.QueryRowContext(ctx,
			`SELECT access_token, refresh_token FROM auth_tokens WHERE id = 1`).Scan(&encAccess, &encRefresh)
	}, "load auth tokens")
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}

	if accessToken, err = d.encryptor.DecryptIfEnabled(encAccess); err != nil {
		return "", "", false, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if refreshToken, err = d.encryptor.DecryptIfEnabled(encRefresh); err != nil {
		return "", "", false, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return accessToken, refreshToken, true, nil
}

// HealthCheck verifies the database is reachable
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
