// Package infra implements infrastructure concerns (store, scheduler,
// installer, process, config).
package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/servicestatus/agent/internal/domain"
)

const storeDBName = "agent.db"

// EncryptedStore implements domain.ServiceStore, domain.TailStateStore and
// domain.CredentialStore using a SQLCipher encrypted SQLite database. The
// agent credential lives next to the service catalog and tail checkpoints
// so a single file holds everything the daemon must not lose.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the encrypted agent database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the schema if it doesn't exist.
func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		version TEXT NOT NULL,
		schedule TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		script_path TEXT NOT NULL,
		log_path TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tail_state (
		service_id TEXT PRIMARY KEY,
		offset INTEGER NOT NULL,
		device INTEGER NOT NULL,
		inode INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.ServiceStore implementation ---

// PutService inserts or replaces a service record.
func (s *EncryptedStore) PutService(rec domain.ServiceRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO services
		(id, name, description, version, schedule, timeout_seconds, script_path, log_path, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Manifest.Name, rec.Manifest.Description, rec.Manifest.Version,
		rec.Manifest.Schedule, rec.Manifest.TimeoutSeconds,
		rec.ScriptPath, rec.LogPath, boolToInt(rec.Enabled), time.Now().Unix(),
	)
	return err
}

// GetService returns the record for id, or domain.ErrNotFound.
func (s *EncryptedStore) GetService(id string) (*domain.ServiceRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, version, schedule, timeout_seconds, script_path, log_path, enabled
		FROM services WHERE id = ?`, id)

	rec, err := scanServiceRecord(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteService removes the record for id, or domain.ErrNotFound.
func (s *EncryptedStore) DeleteService(id string) error {
	result, err := s.db.Exec(`DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListServices returns all records in ascending id order.
func (s *EncryptedStore) ListServices() ([]domain.ServiceRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, version, schedule, timeout_seconds, script_path, log_path, enabled
		FROM services ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ServiceRecord
	for rows.Next() {
		rec, err := scanServiceRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServiceRecord(row rowScanner) (*domain.ServiceRecord, error) {
	var rec domain.ServiceRecord
	var enabled int
	err := row.Scan(
		&rec.ID, &rec.Manifest.Name, &rec.Manifest.Description, &rec.Manifest.Version,
		&rec.Manifest.Schedule, &rec.Manifest.TimeoutSeconds,
		&rec.ScriptPath, &rec.LogPath, &enabled,
	)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled != 0
	return &rec, nil
}

// --- domain.TailStateStore implementation ---

// GetTailState returns the saved state for a service, or nil if none.
func (s *EncryptedStore) GetTailState(serviceID string) (*domain.TailState, error) {
	var state domain.TailState
	err := s.db.QueryRow(`SELECT offset, device, inode FROM tail_state WHERE service_id = ?`,
		serviceID).Scan(&state.Offset, &state.Identity.Device, &state.Identity.Inode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// PutTailState saves the checkpoint for a service.
func (s *EncryptedStore) PutTailState(serviceID string, state domain.TailState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tail_state (service_id, offset, device, inode, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		serviceID, state.Offset, state.Identity.Device, state.Identity.Inode, time.Now().Unix(),
	)
	return err
}

// DeleteTailState drops the checkpoint when a service is removed.
func (s *EncryptedStore) DeleteTailState(serviceID string) error {
	_, err := s.db.Exec(`DELETE FROM tail_state WHERE service_id = ?`, serviceID)
	return err
}

// --- domain.CredentialStore implementation ---

const agentKeySecret = "agent_key"

// AgentKey returns the stored credential, or empty string if the agent
// has not been registered yet.
func (s *EncryptedStore) AgentKey() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, agentKeySecret).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetAgentKey persists a new credential.
func (s *EncryptedStore) SetAgentKey(key string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO secrets (key, value, created_at) VALUES (?, ?, ?)`,
		agentKeySecret, key, time.Now().Unix(),
	)
	return err
}

// ClearAgentKey removes the credential.
func (s *EncryptedStore) ClearAgentKey() error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE key = ?`, agentKeySecret)
	return err
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	return s.db.Close()
}

// DBPath returns the database file path (for tests).
func (s *EncryptedStore) DBPath() string {
	return s.dbPath
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface checks.
var (
	_ domain.ServiceStore    = (*EncryptedStore)(nil)
	_ domain.TailStateStore  = (*EncryptedStore)(nil)
	_ domain.CredentialStore = (*EncryptedStore)(nil)
)
