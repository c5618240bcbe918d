package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed persistence layer for conversations and their messages.
//
// Notes:
//   - Message bodies are opaque JSON (message_json); the store only indexes role and text.
//   - WAL is enabled so `history` commands can read while a chat session writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Conversation struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
	MessageCount        int    `json:"message_count"`
}

type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`

	TextContent string `json:"text_content"`
	MessageJSON string `json:"message_json"`
}

type ConversationsCursor struct {
	UpdatedAtUnixMs int64
	ConversationID  string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ConversationsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ConversationID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ConversationID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ConversationsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ConversationsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ConversationsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ConversationsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return ConversationsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ConversationsCursor{}, false
	}
	return ConversationsCursor{UpdatedAtUnixMs: ms, ConversationID: id}, true
}

const conversationColumns = `
  c.conversation_id, c.name, c.created_at_unix_ms, c.updated_at_unix_ms,
  c.last_message_at_unix_ms, c.last_message_preview,
  (SELECT COUNT(1) FROM messages m WHERE m.conversation_id = c.conversation_id)`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ConversationID,
		&c.Name,
		&c.CreatedAtUnixMs,
		&c.UpdatedAtUnixMs,
		&c.LastMessageAtUnixMs,
		&c.LastMessagePreview,
		&c.MessageCount,
	)
	return c, err
}

// ListConversations returns conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, limit int, cursor ConversationsCursor) ([]Conversation, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var args []any
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ConversationID) != "" {
		where = "WHERE (c.updated_at_unix_ms < ? OR (c.updated_at_unix_ms = ? AND c.conversation_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ConversationID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT %s
FROM conversations c
%s
ORDER BY c.updated_at_unix_ms DESC, c.conversation_id DESC
LIMIT ?
`, conversationColumns, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) < limit {
		return out, "", nil
	}
	last := out[len(out)-1]
	next := EncodeCursor(ConversationsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ConversationID: last.ConversationID})
	return out, next, nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	c, err := scanConversation(s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations c
WHERE c.conversation_id = ?
`, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.ConversationID = strings.TrimSpace(c.ConversationID)
	c.Name = strings.TrimSpace(c.Name)
	if c.ConversationID == "" {
		return errors.New("invalid conversation")
	}

	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = c.CreatedAtUnixMs
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(
  conversation_id, name, created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, 0, '')
`, c.ConversationID, c.Name, c.CreatedAtUnixMs, c.UpdatedAtUnixMs)
	return err
}

// RenameConversation returns sql.ErrNoRows when the conversation does not exist.
func (s *Store) RenameConversation(ctx context.Context, conversationID string, name string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	name = strings.TrimSpace(name)
	if conversationID == "" || name == "" {
		return errors.New("invalid request")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET name = ?, updated_at_unix_ms = ?
WHERE conversation_id = ?
`, name, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// AppendMessage inserts a message and updates conversation metadata in the same transaction.
//
// It also names an unnamed conversation after its first user message.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m Message) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, errors.New("invalid request")
	}

	m.MessageID = strings.TrimSpace(m.MessageID)
	m.Role = strings.TrimSpace(m.Role)
	m.MessageJSON = strings.TrimSpace(m.MessageJSON)
	if m.MessageID == "" || m.Role == "" || m.MessageJSON == "" {
		return 0, errors.New("invalid message")
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	if m.UpdatedAtUnixMs <= 0 {
		m.UpdatedAtUnixMs = m.CreatedAtUnixMs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingName string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&existingName); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  conversation_id, message_id, role,
  created_at_unix_ms, updated_at_unix_ms,
  text_content, message_json
) VALUES(?, ?, ?, ?, ?, ?, ?)
`,
		conversationID,
		m.MessageID,
		m.Role,
		m.CreatedAtUnixMs,
		m.UpdatedAtUnixMs,
		m.TextContent,
		m.MessageJSON,
	)
	if err != nil {
		return 0, err
	}
	rowID, _ := res.LastInsertId()

	nextName := strings.TrimSpace(existingName)
	if nextName == "" && m.Role == "user" {
		nextName = TitleCandidate(m.TextContent)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET name = ?,
    updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?
WHERE conversation_id = ?
`,
		nextName,
		max(now, m.UpdatedAtUnixMs),
		m.CreatedAtUnixMs,
		buildPreview(m.Role, m.TextContent),
		conversationID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rowID, nil
}

// UpdateMessage replaces a message body in place (used for edits).
func (s *Store) UpdateMessage(ctx context.Context, conversationID string, messageID string, textContent string, messageJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	messageJSON = strings.TrimSpace(messageJSON)
	if conversationID == "" || messageID == "" || messageJSON == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
UPDATE messages
SET text_content = ?, message_json = ?, updated_at_unix_ms = ?
WHERE conversation_id = ? AND message_id = ?
`, textContent, messageJSON, now, conversationID, messageID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	if err := refreshConversation(ctx, tx, conversationID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// TruncateFrom deletes messageID and every later message of the conversation.
//
// It returns the number of deleted messages, or sql.ErrNoRows when messageID is unknown.
func (s *Store) TruncateFrom(ctx context.Context, conversationID string, messageID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return 0, errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var fromID int64
	if err := tx.QueryRowContext(ctx, `
SELECT id FROM messages WHERE conversation_id = ? AND message_id = ?
`, conversationID, messageID).Scan(&fromID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id >= ?`, conversationID, fromID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := refreshConversation(ctx, tx, conversationID, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearMessages removes every message but keeps the conversation.
func (s *Store) ClearMessages(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("invalid request")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if err := refreshConversation(ctx, tx, conversationID, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns all messages of a conversation in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, message_id, role, created_at_unix_ms, updated_at_unix_ms, text_content, message_json
FROM messages
WHERE conversation_id = ?
ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.MessageID,
			&m.Role,
			&m.CreatedAtUnixMs,
			&m.UpdatedAtUnixMs,
			&m.TextContent,
			&m.MessageJSON,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// refreshConversation recomputes the preview columns from the latest remaining message.
func refreshConversation(ctx context.Context, tx *sql.Tx, conversationID string, now int64) error {
	var role, text string
	var at int64
	err := tx.QueryRowContext(ctx, `
SELECT role, text_content, created_at_unix_ms
FROM messages
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT 1
`, conversationID).Scan(&role, &text, &at)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE conversations
SET updated_at_unix_ms = ?, last_message_at_unix_ms = ?, last_message_preview = ?
WHERE conversation_id = ?
`, now, at, buildPreview(role, text), conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at_unix_ms DESC, conversation_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  text_content TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  UNIQUE(conversation_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func buildPreview(role string, text string) string {
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if text == "" {
		if role == "user" {
			return "(no text)"
		}
		return ""
	}
	// Single-line preview, capped.
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 160)
}

// TitleCandidate derives a single-line conversation name from a user message.
func TitleCandidate(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.TrimSpace(text)
	return truncateRunes(text, 48)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
