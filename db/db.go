// Package db is the account directory: the sole owner of account, contact,
// login-history and traffic records.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"jim/auth"
	"jim/models"
)

var (
	ErrDuplicateAccount = errors.New("account already exists")
	ErrUnknownAccount   = errors.New("account is not registered")
)

type Directory struct {
	conn *sql.DB
}

// Open creates or opens the directory database. The active_sessions table
// is ephemeral and is truncated here, since no session survives a restart.
func Open(path string) (*Directory, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	d := &Directory{conn: conn}
	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return d, nil
}

func (d *Directory) Close() error {
	return d.conn.Close()
}

func (d *Directory) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			verifier TEXT NOT NULL,
			pubkey TEXT NOT NULL DEFAULT '',
			last_login TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT UNIQUE NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS traffic_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT UNIQUE NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_account ON login_history(account, timestamp)`,
	}

	for _, query := range queries {
		if _, err := d.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if _, err := d.conn.Exec("DELETE FROM active_sessions"); err != nil {
		return fmt.Errorf("clear active sessions: %w", err)
	}

	return nil
}

// Register creates an account with a freshly derived password verifier and
// an empty traffic counter row. Returns the verifier.
func (d *Directory) Register(name, password string) (string, error) {
	exists, err := d.AccountExists(name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrDuplicateAccount
	}

	verifier := auth.Verifier(name, password)
	tx, err := d.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT INTO accounts (name, verifier) VALUES (?, ?)", name, verifier); err != nil {
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO traffic_stats (account) VALUES (?)", name); err != nil {
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	return verifier, nil
}

// Verifier returns the stored password verifier for an account.
func (d *Directory) Verifier(name string) (string, error) {
	var verifier string
	err := d.conn.QueryRow("SELECT verifier FROM accounts WHERE name = ?", name).Scan(&verifier)
	if err == sql.ErrNoRows {
		return "", ErrUnknownAccount
	}
	if err != nil {
		return "", fmt.Errorf("load verifier for %s: %w", name, err)
	}
	return verifier, nil
}

// VerifyLogin checks a challenge response in constant time. A mismatch or
// an unknown account both return false; this never fails loudly.
func (d *Directory) VerifyLogin(name string, nonce, digest []byte) bool {
	verifier, err := d.Verifier(name)
	if err != nil {
		return false
	}
	return auth.Equal(auth.Digest(verifier, nonce), digest)
}

func (d *Directory) AccountExists(name string) (bool, error) {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check account %s: %w", name, err)
	}
	return count > 0, nil
}

// RecordLogin updates last-login and the public key, appends the login
// history and registers the ephemeral session row.
func (d *Directory) RecordLogin(name, ip string, port int, pubkey string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := d.conn.Exec(
		"UPDATE accounts SET last_login = ?, pubkey = ? WHERE name = ?",
		now, pubkey, name,
	)
	if err != nil {
		return fmt.Errorf("record login for %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record login for %s: %w", name, err)
	}
	if affected == 0 {
		return ErrUnknownAccount
	}

	if _, err := d.conn.Exec(
		"INSERT INTO login_history (account, ip, port, timestamp) VALUES (?, ?, ?, ?)",
		name, ip, port, now,
	); err != nil {
		return fmt.Errorf("record login for %s: %w", name, err)
	}

	if _, err := d.conn.Exec(
		"INSERT OR REPLACE INTO active_sessions (account, ip, port, login_time) VALUES (?, ?, ?, ?)",
		name, ip, port, now,
	); err != nil {
		return fmt.Errorf("record login for %s: %w", name, err)
	}

	return nil
}

// RecordLogout drops the ephemeral session row. Idempotent.
func (d *Directory) RecordLogout(name string) error {
	if _, err := d.conn.Exec("DELETE FROM active_sessions WHERE account = ?", name); err != nil {
		return fmt.Errorf("record logout for %s: %w", name, err)
	}
	return nil
}

// RemoveAccount deletes an account and cascades to its contact edges,
// traffic counters, login history and session row. Idempotent.
func (d *Directory) RemoveAccount(name string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("remove account %s: %w", name, err)
	}
	defer tx.Rollback()

	steps := []struct {
		query string
		args  []any
	}{
		{"DELETE FROM active_sessions WHERE account = ?", []any{name}},
		{"DELETE FROM login_history WHERE account = ?", []any{name}},
		{"DELETE FROM contacts WHERE owner = ? OR contact = ?", []any{name, name}},
		{"DELETE FROM traffic_stats WHERE account = ?", []any{name}},
		{"DELETE FROM accounts WHERE name = ?", []any{name}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.query, step.args...); err != nil {
			return fmt.Errorf("remove account %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove account %s: %w", name, err)
	}
	return nil
}

// Contacts returns the contact names owned by an account.
func (d *Directory) Contacts(owner string) ([]string, error) {
	rows, err := d.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, fmt.Errorf("contacts of %s: %w", owner, err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("contacts of %s: %w", owner, err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddContact adds a directed contact edge. Self-edges, unknown contact
// accounts and already-present edges are silent no-ops.
func (d *Directory) AddContact(owner, contact string) error {
	if owner == contact {
		return nil
	}
	exists, err := d.AccountExists(contact)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := d.conn.Exec(
		"INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)", owner, contact,
	); err != nil {
		return fmt.Errorf("add contact %s -> %s: %w", owner, contact, err)
	}
	return nil
}

// RemoveContact removes a contact edge. Missing edges are a no-op.
func (d *Directory) RemoveContact(owner, contact string) error {
	if _, err := d.conn.Exec(
		"DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact,
	); err != nil {
		return fmt.Errorf("remove contact %s -> %s: %w", owner, contact, err)
	}
	return nil
}

// BumpTraffic increments the sender's sent counter and the destination's
// accepted counter. Unknown accounts are ignored; routing validates names
// before any message is forwarded.
func (d *Directory) BumpTraffic(sender, destination string) error {
	if _, err := d.conn.Exec("UPDATE traffic_stats SET sent = sent + 1 WHERE account = ?", sender); err != nil {
		return fmt.Errorf("bump traffic: %w", err)
	}
	if _, err := d.conn.Exec("UPDATE traffic_stats SET accepted = accepted + 1 WHERE account = ?", destination); err != nil {
		return fmt.Errorf("bump traffic: %w", err)
	}
	return nil
}

// Accounts returns every registered account name.
func (d *Directory) Accounts() ([]string, error) {
	rows, err := d.conn.Query("SELECT name FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PublicKey returns the stored public key for an account. An account that
// never logged in has an empty key.
func (d *Directory) PublicKey(name string) (string, error) {
	var pubkey string
	err := d.conn.QueryRow("SELECT pubkey FROM accounts WHERE name = ?", name).Scan(&pubkey)
	if err == sql.ErrNoRows {
		return "", ErrUnknownAccount
	}
	if err != nil {
		return "", fmt.Errorf("load pubkey for %s: %w", name, err)
	}
	return pubkey, nil
}

// LoginHistory returns the login records for one account, or for all
// accounts when name is empty.
func (d *Directory) LoginHistory(name string) ([]models.LoginRecord, error) {
	query := "SELECT account, ip, port, timestamp FROM login_history"
	args := []any{}
	if name != "" {
		query += " WHERE account = ?"
		args = append(args, name)
	}
	query += " ORDER BY timestamp"

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("login history: %w", err)
	}
	defer rows.Close()

	var records []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var ts string
		if err := rows.Scan(&r.Account, &r.IP, &r.Port, &ts); err != nil {
			return nil, fmt.Errorf("login history: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TrafficReport returns per-account message counters.
func (d *Directory) TrafficReport() ([]models.TrafficStat, error) {
	rows, err := d.conn.Query("SELECT account, sent, accepted FROM traffic_stats ORDER BY account")
	if err != nil {
		return nil, fmt.Errorf("traffic report: %w", err)
	}
	defer rows.Close()

	var stats []models.TrafficStat
	for rows.Next() {
		var s models.TrafficStat
		if err := rows.Scan(&s.Account, &s.Sent, &s.Accepted); err != nil {
			return nil, fmt.Errorf("traffic report: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ActiveSessions returns the ephemeral session rows.
func (d *Directory) ActiveSessions() ([]models.ActiveSession, error) {
	rows, err := d.conn.Query("SELECT account, ip, port, login_time FROM active_sessions ORDER BY account")
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		var s models.ActiveSession
		var ts string
		if err := rows.Scan(&s.Account, &s.IP, &s.Port, &ts); err != nil {
			return nil, fmt.Errorf("active sessions: %w", err)
		}
		s.LoginTime, _ = time.Parse(time.RFC3339, ts)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
