package storage

import "time"

// CachedUser is the last known identity of a user id. It is refreshed from
// friend lists, search results and incoming messages.
type CachedUser struct {
	ID       string
	Username string
	Email    string
	LastSeen time.Time
}

// UpsertUser stores or replaces a user. An empty email keeps the known one.
func (d *DB) UpsertUser(u CachedUser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _users (id, username, email, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			username  = excluded.username,
			email     = CASE WHEN excluded.email = '' THEN _users.email ELSE excluded.email END,
			last_seen = CURRENT_TIMESTAMP`,
		u.ID, u.Username, u.Email,
	)
	return err
}

// GetUser returns the cached user, or false if unknown.
func (d *DB) GetUser(id string) (CachedUser, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u CachedUser
	var lastSeen string
	err := d.db.QueryRow(`SELECT id, username, email, last_seen FROM _users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &lastSeen)
	if err != nil {
		return CachedUser{}, false
	}
	u.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
	return u, true
}

// UserName returns the cached username for id, or "" if unknown.
func (d *DB) UserName(id string) string {
	u, ok := d.GetUser(id)
	if !ok {
		return ""
	}
	return u.Username
}

// FindUserByName looks a username up case-sensitively.
func (d *DB) FindUserByName(username string) (CachedUser, bool) {
	d.mu.RLock()
	var id string
	err := d.db.QueryRow(`SELECT id FROM _users WHERE username = ?`, username).Scan(&id)
	d.mu.RUnlock()
	if err != nil {
		return CachedUser{}, false
	}
	return d.GetUser(id)
}

// ListUsers returns all cached users, most recently seen first.
func (d *DB) ListUsers() ([]CachedUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT id, username, email, last_seen FROM _users ORDER BY last_seen DESC, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []CachedUser
	for rows.Next() {
		var u CachedUser
		var lastSeen string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &lastSeen); err != nil {
			return nil, err
		}
		u.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		users = append(users, u)
	}
	return users, rows.Err()
}
