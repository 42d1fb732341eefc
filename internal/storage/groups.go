package storage

import (
	"encoding/json"
	"fmt"
)

// GroupRow represents a row from the _groups table.
type GroupRow struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// UpsertGroup stores or replaces a group and its member ids.
func (d *DB) UpsertGroup(g GroupRow) error {
	members, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO _groups (id, name, members, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			members    = excluded.members,
			updated_at = CURRENT_TIMESTAMP`,
		g.ID, g.Name, string(members),
	)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GetGroup returns a cached group, or false if unknown.
func (d *DB) GetGroup(id string) (GroupRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var g GroupRow
	var members string
	if err := d.db.QueryRow(`SELECT id, name, members FROM _groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &members); err != nil {
		return GroupRow{}, false
	}
	_ = json.Unmarshal([]byte(members), &g.Members)
	return g, true
}

// ListGroups returns all cached groups by name.
func (d *DB) ListGroups() ([]GroupRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT id, name, members FROM _groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []GroupRow
	for rows.Next() {
		var g GroupRow
		var members string
		if err := rows.Scan(&g.ID, &g.Name, &members); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(members), &g.Members)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group and its cached messages.
func (d *DB) DeleteGroup(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM _groups WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := d.db.Exec(`DELETE FROM _messages WHERE conversation = ?`, GroupConversation(id))
	return err
}
