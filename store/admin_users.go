package store

import (
	"database/sql"
	"time"
)

// AdminUser may log in to the admin page and the credential API.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
}

func (db *DB) GetAdminUser(username string) (*AdminUser, error) {
	u := &AdminUser{}
	var createdAt string
	var lastLogin sql.NullString
	err := db.QueryRow(`SELECT id, username, password_hash, created_at, last_login_at
		FROM admin_users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = scanTime(createdAt)
	if lastLogin.Valid {
		u.LastLoginAt = scanTime(lastLogin.String)
	}
	return u, nil
}

// CreateFirstAdmin adds the bootstrap admin. It only succeeds while the
// table is empty, so two racing first logins cannot both create an admin.
func (db *DB) CreateFirstAdmin(username, passwordHash string) (created bool, err error) {
	res, err := db.Exec(`INSERT INTO admin_users (username, password_hash)
		SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM admin_users)`, username, passwordHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (db *DB) UpdateAdminPassword(username, passwordHash string) error {
	res, err := db.Exec(`UPDATE admin_users SET password_hash = ? WHERE username = ?`, passwordHash, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordAdminLogin stamps a successful login.
func (db *DB) RecordAdminLogin(username string, at time.Time) error {
	_, err := db.Exec(`UPDATE admin_users SET last_login_at = ? WHERE username = ?`, formatTime(at), username)
	return err
}

func (db *DB) AdminUserExists() (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM admin_users`).Scan(&count)
	return count > 0, err
}
