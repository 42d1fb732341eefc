package storage

import "fmt"

// MessageRow is one cached chat message.
type MessageRow struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	SenderID     string `json:"sender_id"`
	RecipientID  string `json:"recipient_id"`
	GroupID      string `json:"group_id"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
	Status       string `json:"status"`
}

// UserConversation is the cache key of the one-to-one conversation with id.
func UserConversation(id string) string { return "user:" + id }

// GroupConversation is the cache key of a group conversation.
func GroupConversation(id string) string { return "group:" + id }

// SaveMessage inserts or replaces a message.
func (d *DB) SaveMessage(m MessageRow) error {
	if m.ID == "" || m.Conversation == "" {
		return fmt.Errorf("save message: id and conversation are required")
	}
	if m.Status == "" {
		m.Status = "sent"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _messages
			(id, conversation, sender_id, recipient_id, group_id, content, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content   = excluded.content,
			timestamp = CASE WHEN excluded.timestamp = '' THEN _messages.timestamp ELSE excluded.timestamp END,
			status    = excluded.status`,
		m.ID, m.Conversation, m.SenderID, m.RecipientID, m.GroupID, m.Content, m.Timestamp, m.Status,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// UpdateMessageStatus sets the delivery status of a cached message. Unknown
// ids are ignored.
func (d *DB) UpdateMessageStatus(id, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// Conversation returns the newest limit messages of a conversation, oldest
// first. limit <= 0 returns everything.
func (d *DB) Conversation(key string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, conversation, sender_id, recipient_id, group_id, content, timestamp, status
		FROM (
			SELECT *, rowid AS rid FROM _messages WHERE conversation = ?
			ORDER BY timestamp DESC, rid DESC LIMIT ?
		) ORDER BY timestamp ASC, rid ASC`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Conversation, &m.SenderID, &m.RecipientID,
			&m.GroupID, &m.Content, &m.Timestamp, &m.Status); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteConversation removes all cached messages of a conversation.
func (d *DB) DeleteConversation(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _messages WHERE conversation = ?`, key)
	return err
}
