package conversation

import (
	"context"
	"database/sql"
)

// SQLHistory implements History using a database/sql connection to the
// backend's chat tables.
type SQLHistory struct {
	db *sql.DB
}

// NewSQLHistory creates a new SQLHistory.
func NewSQLHistory(db *sql.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

func (s *SQLHistory) History(ctx context.Context, self, peer UserID) ([]Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, timestamp
		FROM chat_message
		WHERE (sender_id = $1 AND receiver_id = $2)
			OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, self, peer)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = ServerTime(m.Timestamp)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
