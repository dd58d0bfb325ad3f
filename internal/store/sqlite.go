// Package store provides storage backends for SalonPipe.
//
// This file implements an SQLite-backed store for conversations and tenants.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDefaultParams enables WAL and waits on locks instead of failing fast.
	sqliteDefaultParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file, optionally with
// query parameters. If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := util.SQLitePath(dsn)
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDefaultParams
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadConversation(ctx context.Context, customerPhone, systemPrompt string) (*models.Conversation, error) {
	var messages string
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, created_at, updated_at FROM conversation_history WHERE mobile_number = ?`,
		customerPhone,
	).Scan(&messages, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore.LoadConversation: no history, seeding", "customer", customerPhone)
		return models.NewConversation(customerPhone, systemPrompt), nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LoadConversation failed", "error", err, "customer", customerPhone)
		return nil, fmt.Errorf("failed to load conversation for %s: %w", customerPhone, err)
	}
	return decodeConversation(customerPhone, []byte(messages), createdAt, updatedAt)
}

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	data, err := encodeTurns(conv)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	created := conv.CreatedAt.UTC()
	if conv.CreatedAt.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversation_history (mobile_number, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mobile_number) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		conv.CustomerPhone, string(data), created, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveConversation failed", "error", err, "customer", conv.CustomerPhone)
		return fmt.Errorf("failed to save conversation for %s: %w", conv.CustomerPhone, err)
	}
	slog.Debug("SQLiteStore.SaveConversation succeeded", "customer", conv.CustomerPhone, "turns", len(conv.Turns))
	return nil
}

func (s *SQLiteStore) ClearConversation(ctx context.Context, customerPhone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_history WHERE mobile_number = ?`, customerPhone); err != nil {
		slog.Error("SQLiteStore.ClearConversation failed", "error", err, "customer", customerPhone)
		return fmt.Errorf("failed to clear conversation for %s: %w", customerPhone, err)
	}
	slog.Debug("SQLiteStore.ClearConversation succeeded", "customer", customerPhone)
	return nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if t.ID == "" || t.BusinessPhone == "" {
		return fmt.Errorf("tenant id and business phone are required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			business_phone = excluded.business_phone, name = excluded.name,
			llm_api_key = excluded.llm_api_key, llm_model = excluded.llm_model,
			book_auth_key = excluded.book_auth_key, book_customer_cd = excluded.book_customer_cd,
			wa_access_token = excluded.wa_access_token, wa_phone_number_id = excluded.wa_phone_number_id,
			persona_prompt = excluded.persona_prompt, verify_token = excluded.verify_token,
			active = excluded.active, updated_at = excluded.updated_at`,
		t.ID, t.BusinessPhone, t.Name, t.LLMAPIKey, t.LLMModel, t.BookAuthKey, t.BookCustomerCd,
		t.WAAccessToken, t.WAPhoneNumber, nilIfEmpty(t.PersonaPrompt), nilIfEmpty(t.VerifyToken), t.Active, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.UpsertTenant failed", "error", err, "tenant", t.ID)
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	slog.Debug("SQLiteStore.UpsertTenant succeeded", "tenant", t.ID, "business_phone", t.BusinessPhone)
	return nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore.ListTenants query failed", "error", err)
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()
	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListTenants succeeded", "count", len(tenants))
	return tenants, nil
}

func (s *SQLiteStore) FindTenantByPhones(ctx context.Context, variants []string) (*models.Tenant, error) {
	if len(variants) == 0 {
		return nil, models.ErrTenantNotFound
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(variants)), ",")
	args := make([]interface{}, len(variants))
	for i, v := range variants {
		args[i] = v
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE business_phone IN (`+placeholders+`)
		ORDER BY active DESC, updated_at DESC LIMIT 1`, args...)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTenantNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.FindTenantByPhones failed", "error", err, "variants", variants)
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	return &t, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
