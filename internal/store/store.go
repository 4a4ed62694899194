// Package store provides SQL-backed persistence for sessions,
// messages, topics, expressions, and emojis.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session is the identity of a conversation thread.
type Session struct {
	ID                string // "group:{gid}" or "personal:{uid}"
	Type              string // group, personal
	TargetID          int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompressedContext string // empty = none
}

// Session types.
const (
	SessionGroup    = "group"
	SessionPersonal = "personal"
)

// GroupSessionID builds the canonical session key for a group.
func GroupSessionID(groupID int64) string {
	return fmt.Sprintf("group:%d", groupID)
}

// PersonalSessionID builds the canonical session key for a user.
func PersonalSessionID(userID int64) string {
	return fmt.Sprintf("personal:%d", userID)
}

// Message is an immutable append-only chat entry.
type Message struct {
	ID        int64
	SessionID string
	Role      string // user, assistant, system
	Content   string
	UserID    int64
	UserName  string
	UserRole  string // owner, admin, member
	UserTitle string
	GroupID   int64
	GroupName string
	Timestamp time.Time
	MessageID int32 // external gateway id, 0 = none
}

// Topic is a conversation subject extracted by the topic tracker.
type Topic struct {
	ID           int64
	SessionID    string
	Title        string
	Keywords     []string
	Summary      string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TopicPatch is a field-level merge for UpdateTopic. Nil fields are
// left untouched; MessageCountDelta is added to the stored count.
type TopicPatch struct {
	Summary           *string
	Keywords          *[]string
	MessageCountDelta int
}

// Expression is a learned speaking habit of one user.
type Expression struct {
	ID        int64
	SessionID string
	UserID    int64
	UserName  string
	Situation string
	Style     string
	Example   string
	CreatedAt time.Time
}

// Emoji is a registered sticker.
type Emoji struct {
	ID          int64
	FileName    string
	Description string
	Emotion     string
	UsageCount  int
	CreatedAt   time.Time
}

// Store manages all persisted rows in one SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	insertMessage    *sql.Stmt
	insertTopic      *sql.Stmt
	insertExpression *sql.Stmt
	insertEmoji      *sql.Stmt
}

// New opens (or creates) the database at dbPath with WAL enabled and
// runs migrations. Use ":memory:" for tests.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes all writes at the pool level. This also
	// keeps ":memory:" databases coherent, where every pooled
	// connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			compressed_context TEXT
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id INTEGER,
			user_name TEXT,
			user_role TEXT,
			user_title TEXT,
			group_id INTEGER,
			group_name TEXT,
			timestamp INTEGER NOT NULL,
			message_id INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_user_time ON messages(user_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_session_content ON messages(session_id, content);

		CREATE TABLE IF NOT EXISTS topics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			keywords TEXT NOT NULL DEFAULT '[]',
			summary TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_topics_session_updated ON topics(session_id, updated_at);

		CREATE TABLE IF NOT EXISTS expressions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			user_name TEXT,
			situation TEXT NOT NULL,
			style TEXT NOT NULL,
			example TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_expressions_session ON expressions(session_id, created_at);

		CREATE TABLE IF NOT EXISTS emojis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_name TEXT NOT NULL UNIQUE,
			description TEXT,
			emotion TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_emojis_emotion ON emojis(emotion);
	`)
	return err
}

// prepare builds the write statements. Reads go through Query directly;
// the write paths are hot and benefit from preparation.
func (s *Store) prepare() error {
	var err error
	s.insertMessage, err = s.db.Prepare(`
		INSERT INTO messages (session_id, role, content, user_id, user_name, user_role, user_title, group_id, group_name, timestamp, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.insertTopic, err = s.db.Prepare(`
		INSERT INTO topics (session_id, title, keywords, summary, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.insertExpression, err = s.db.Prepare(`
		INSERT INTO expressions (session_id, user_id, user_name, situation, style, example, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.insertEmoji, err = s.db.Prepare(`
		INSERT OR IGNORE INTO emojis (file_name, description, emotion, usage_count, created_at)
		VALUES (?, ?, ?, 0, ?)`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- sessions ---

// GetSession retrieves a session by ID. Returns sql.ErrNoRows when
// absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, type, target_id, created_at, updated_at, compressed_context
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var created, updated int64
	var compressed sql.NullString
	if err := row.Scan(&sess.ID, &sess.Type, &sess.TargetID, &created, &updated, &compressed); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	sess.CompressedContext = compressed.String
	return &sess, nil
}

// CreateSession inserts a new session row. Existing rows are left
// untouched.
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, type, target_id, created_at, updated_at, compressed_context)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		sess.ID, sess.Type, sess.TargetID, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// TouchSession refreshes a session's updated_at.
func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ResetSession deletes all messages for a session and clears its
// compressed context. The session row itself persists.
func (s *Store) ResetSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET compressed_context = NULL, updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("clear compressed context: %w", err)
	}
	return tx.Commit()
}

// SetCompressedContext stores a session's compacted history summary.
func (s *Store) SetCompressedContext(id, context string) error {
	_, err := s.db.Exec(`UPDATE sessions SET compressed_context = ?, updated_at = ? WHERE id = ?`,
		context, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set compressed context: %w", err)
	}
	return nil
}

// --- messages ---

// SaveMessage appends a message. No deduplication is performed.
func (s *Store) SaveMessage(m *Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	res, err := s.insertMessage.Exec(
		m.SessionID, m.Role, m.Content,
		nullInt64(m.UserID), nullStr(m.UserName), nullStr(m.UserRole), nullStr(m.UserTitle),
		nullInt64(m.GroupID), nullStr(m.GroupName),
		toMillis(m.Timestamp), nullInt64(int64(m.MessageID)))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// GetMessages returns the last limit messages of a session in
// ascending time order. A non-zero before restricts the result to rows
// strictly older than it.
func (s *Store) GetMessages(sessionID string, limit int, before time.Time) ([]*Message, error) {
	query := messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if !before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, toMillis(before))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// GetMessagesByUser returns a user's last limit messages in ascending
// time order, optionally restricted to one session.
func (s *Store) GetMessagesByUser(userID int64, sessionID string, limit int) ([]*Message, error) {
	query := messageColumns + ` FROM messages WHERE user_id = ?`
	args := []any{userID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// SearchMessages finds messages whose content contains keyword,
// newest-first then reversed to ascending order.
func (s *Store) SearchMessages(sessionID, keyword string, limit int) ([]*Message, error) {
	rows, err := s.db.Query(
		messageColumns+` FROM messages WHERE session_id = ? AND content LIKE ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		sessionID, "%"+keyword+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// CountMessages returns the number of rows for one session.
func (s *Store) CountMessages(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// --- topics ---

// SaveTopic inserts a new topic and fills its ID.
func (s *Store) SaveTopic(t *Topic) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	keywords, err := json.Marshal(t.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	res, err := s.insertTopic.Exec(t.SessionID, t.Title, string(keywords), t.Summary,
		t.MessageCount, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save topic: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// GetTopics returns up to limit topics for a session, most recently
// updated first.
func (s *Store) GetTopics(sessionID string, limit int) ([]*Topic, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, title, keywords, summary, message_count, created_at, updated_at
		FROM topics WHERE session_id = ? ORDER BY updated_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var topics []*Topic
	for rows.Next() {
		var t Topic
		var keywords string
		var summary sql.NullString
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &keywords, &summary,
			&t.MessageCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &t.Keywords); err != nil {
			t.Keywords = nil
		}
		t.Summary = summary.String
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		topics = append(topics, &t)
	}
	return topics, rows.Err()
}

// UpdateTopic applies a field-level merge to an existing topic and
// refreshes updated_at.
func (s *Store) UpdateTopic(id int64, patch TopicPatch) error {
	query := `UPDATE topics SET updated_at = ?, message_count = message_count + ?`
	args := []any{toMillis(time.Now()), patch.MessageCountDelta}
	if patch.Summary != nil {
		query += `, summary = ?`
		args = append(args, *patch.Summary)
	}
	if patch.Keywords != nil {
		keywords, err := json.Marshal(*patch.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		query += `, keywords = ?`
		args = append(args, string(keywords))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update topic: %w", err)
	}
	return nil
}

// PruneTopics deletes all but the keep most recently updated topics of
// a session.
func (s *Store) PruneTopics(sessionID string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM topics WHERE session_id = ? AND id NOT IN (
			SELECT id FROM topics WHERE session_id = ? ORDER BY updated_at DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("prune topics: %w", err)
	}
	return nil
}

// --- expressions ---

// SaveExpression inserts a learned habit and fills its ID.
func (s *Store) SaveExpression(e *Expression) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.insertExpression.Exec(e.SessionID, e.UserID, nullStr(e.UserName),
		e.Situation, e.Style, e.Example, toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save expression: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// GetExpressions returns up to limit expressions for a session,
// newest first.
func (s *Store) GetExpressions(sessionID string, limit int) ([]*Expression, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, user_name, situation, style, example, created_at
		FROM expressions WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Expression
	for rows.Next() {
		var e Expression
		var name sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &name,
			&e.Situation, &e.Style, &e.Example, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.UserName = name.String
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetExpressionCount returns the number of expressions for a session.
func (s *Store) GetExpressionCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM expressions WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expressions: %w", err)
	}
	return n, nil
}

// DeleteOldestExpressions removes all but the keepCount newest
// expressions of a session.
func (s *Store) DeleteOldestExpressions(sessionID string, keepCount int) error {
	_, err := s.db.Exec(`
		DELETE FROM expressions WHERE session_id = ? AND id NOT IN (
			SELECT id FROM expressions WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`, sessionID, sessionID, keepCount)
	if err != nil {
		return fmt.Errorf("delete oldest expressions: %w", err)
	}
	return nil
}

// --- emojis ---

// SaveEmoji registers a sticker. Duplicate file names are ignored;
// the return value reports whether a row was inserted.
func (s *Store) SaveEmoji(e *Emoji) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.insertEmoji.Exec(e.FileName, e.Description, e.Emotion, toMillis(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("save emoji: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		e.ID, _ = res.LastInsertId()
	}
	return affected > 0, nil
}

// GetEmojisByEmotion returns up to limit emojis with the given emotion
// label, most used first.
func (s *Store) GetEmojisByEmotion(emotion string, limit int) ([]*Emoji, error) {
	rows, err := s.db.Query(`
		SELECT id, file_name, description, emotion, usage_count, created_at
		FROM emojis WHERE emotion = ? ORDER BY usage_count DESC LIMIT ?`,
		emotion, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return s.scanEmojis(rows)
}

// GetAllEmojis returns every registered emoji.
func (s *Store) GetAllEmojis() ([]*Emoji, error) {
	rows, err := s.db.Query(`
		SELECT id, file_name, description, emotion, usage_count, created_at FROM emojis`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return s.scanEmojis(rows)
}

// HasEmoji reports whether a file name is already registered.
func (s *Store) HasEmoji(fileName string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM emojis WHERE file_name = ?`, fileName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check emoji: %w", err)
	}
	return n > 0, nil
}

// IncrementEmojiUsage bumps an emoji's usage counter.
func (s *Store) IncrementEmojiUsage(id int64) error {
	_, err := s.db.Exec(`UPDATE emojis SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment emoji usage: %w", err)
	}
	return nil
}

// --- scan helpers ---

const messageColumns = `SELECT id, session_id, role, content, user_id, user_name, user_role, user_title, group_id, group_name, timestamp, message_id`

func (s *Store) scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var m Message
		var userID, groupID, messageID sql.NullInt64
		var userName, userRole, userTitle, groupName sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&userID, &userName, &userRole, &userTitle,
			&groupID, &groupName, &ts, &messageID); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		m.UserID = userID.Int64
		m.UserName = userName.String
		m.UserRole = userRole.String
		m.UserTitle = userTitle.String
		m.GroupID = groupID.Int64
		m.GroupName = groupName.String
		m.Timestamp = fromMillis(ts)
		m.MessageID = int32(messageID.Int64)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *Store) scanEmojis(rows *sql.Rows) ([]*Emoji, error) {
	var out []*Emoji
	for rows.Next() {
		var e Emoji
		var desc sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.FileName, &desc, &e.Emotion, &e.UsageCount, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Description = desc.String
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func reverseMessages(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// --- SQL helpers ---

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
