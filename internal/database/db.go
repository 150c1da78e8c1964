package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, user, pass, host, port, name string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = pass
	cfg.Net = "tcp"
	cfg.Addr = host + ":" + port
	cfg.DBName = name
	// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
	cfg.ParseTime = true
	// report matched rather than changed rows so idempotent UPDATEs are not "not found"
	cfg.ClientFoundRows = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping %s: %w", cfg.Addr, err)
	}
	return db, nil
}

const identitiesDDL = `CREATE TABLE IF NOT EXISTS identities (
	id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	phone           VARCHAR(32)  NOT NULL,
	email           VARCHAR(255) NULL,
	first_name      VARCHAR(100) NOT NULL DEFAULT '',
	last_name       VARCHAR(100) NOT NULL DEFAULT '',
	preferred_city  VARCHAR(100) NOT NULL DEFAULT '',
	password_hash   VARCHAR(255) NOT NULL DEFAULT '',
	role            ENUM('user','admin','super_admin') NOT NULL DEFAULT 'user',
	status          ENUM('active','suspended','deleted') NOT NULL DEFAULT 'active',
	otp_code        CHAR(6)      NULL,
	otp_expires_at  DATETIME     NULL,
	last_login      DATETIME     NULL,
	created_at      DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	UNIQUE KEY uq_identities_phone (phone),
	UNIQUE KEY uq_identities_email (email)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// EnsureSchema creates the identities table when it does not exist yet.
// Email is NULL rather than empty for identities without one so the unique
// index does not collide.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, identitiesDDL); err != nil {
		return fmt.Errorf("ensure identities table: %w", err)
	}
	return nil
}
