// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// Interface to help utility functions accept either *sql.Row or *sql.Rows
// for scanning one row at a time.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// DbConnect opens the connection pool against the configured store address.
func DbConnect(ctx context.Context, logger *zap.Logger, config Config) *sql.DB {
	rawURL := fmt.Sprintf("postgresql://%s", config.GetDatabase().Address)
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		logger.Fatal("Bad database connection URL", zap.Error(err))
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
		parsedURL.RawQuery = query.Encode()
	}
	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("postgres")
	}
	if len(parsedURL.Path) < 1 {
		parsedURL.Path = "/amoria"
	}

	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		logger.Fatal("Error connecting to database", zap.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	defer pingCancel()
	if err = db.PingContext(pingCtx); err != nil {
		logger.Fatal("Error pinging database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	var dbVersion string
	if err = db.QueryRowContext(ctx, "SELECT version()").Scan(&dbVersion); err != nil {
		logger.Fatal("Error querying database version", zap.Error(err))
	}
	logger.Info("Database information", zap.String("version", dbVersion))

	return db
}

// dbIsUniqueViolation reports whether the error is a Postgres unique
// constraint collision. Callers racing on ensure-style inserts treat these
// as success, the row already has the intended state.
func dbIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// dbIsRetryable reports whether the error is worth retrying against the
// store: serialization failures and connection-level problems.
func dbIsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.ConnectionException, pgerrcode.ConnectionFailure, pgerrcode.AdminShutdown:
			return true
		}
		return false
	}
	return errors.Is(err, sql.ErrConnDone) || pgconn.SafeToRetry(err)
}

// ExecuteRetryable runs fn with exponential backoff on retryable store
// errors. Non-retryable errors return immediately; retryable errors that
// outlast the backoff budget surface as transient_store.
func ExecuteRetryable(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if dbIsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
	if err != nil && dbIsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return err
}

// Transact wraps fn in a transaction with rollback on error.
func Transact(ctx context.Context, logger *zap.Logger, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logger.Error("Could not rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}
