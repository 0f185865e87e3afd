package msgsync

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	errs "MChat/tools/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	temp_id         TEXT,
	conversation_id TEXT NOT NULL,
	author_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	status          TEXT NOT NULL,
	sequence_number INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_temp ON messages(temp_id);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS send_requests (
	id            TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_sent_at  INTEGER,
	error_message TEXT,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS seq_counters (
	conversation_id TEXT NOT NULL,
	author_id       TEXT NOT NULL,
	next_seq        INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, author_id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	title           TEXT,
	last_message_id TEXT,
	updated_at      INTEGER NOT NULL
);
`

// sqliteStore is the durable client-side store. All writes are single
// statement upserts so concurrent components may interleave freely.
type sqliteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errs.ErrResource.WrapMsg("open sqlite %s: %v", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.ErrResource.WrapMsg("apply schema: %v", err)
	}
	return &sqliteStore{db: db}, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (s *sqliteStore) UpsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, temp_id, conversation_id, author_id, content, status, sequence_number, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			temp_id=excluded.temp_id, content=excluded.content, status=excluded.status,
			sequence_number=excluded.sequence_number, updated_at=excluded.updated_at`,
		m.ID, nullStr(m.TempID), m.ConversationID, m.AuthorID, m.Content, string(m.Status),
		m.SequenceNumber, ms(m.CreatedAt), ms(m.UpdatedAt))
	return errors.Wrap(err, "upsert message")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqliteStore) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var tempID sql.NullString
	var seq sql.NullInt64
	var created, updated int64
	var status string
	err := row.Scan(&m.ID, &tempID, &m.ConversationID, &m.AuthorID, &m.Content, &status, &seq, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	m.TempID = tempID.String
	m.SequenceNumber = seq.Int64
	m.Status = MessageStatus(status)
	m.CreatedAt = fromMS(created)
	m.UpdatedAt = fromMS(updated)
	return &m, nil
}

const msgCols = `id, temp_id, conversation_id, author_id, content, status, sequence_number, created_at, updated_at`

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+msgCols+` FROM messages WHERE id = ?`, id))
}

func (s *sqliteStore) GetMessageByTempID(ctx context.Context, tempID string) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+msgCols+` FROM messages WHERE temp_id = ?`, tempID))
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return errors.Wrap(err, "delete message")
}

func (s *sqliteStore) ReplaceMessage(ctx context.Context, oldID string, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin replace")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, oldID); err != nil {
		return errors.Wrap(err, "replace: delete old")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+msgCols+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			temp_id=excluded.temp_id, content=excluded.content, status=excluded.status,
			sequence_number=excluded.sequence_number, updated_at=excluded.updated_at`,
		m.ID, nullStr(m.TempID), m.ConversationID, m.AuthorID, m.Content, string(m.Status),
		m.SequenceNumber, ms(m.CreatedAt), ms(m.UpdatedAt)); err != nil {
		return errors.Wrap(err, "replace: insert canonical")
	}
	return errors.Wrap(tx.Commit(), "commit replace")
}

func (s *sqliteStore) listMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Message, 0)
	for rows.Next() {
		var m Message
		var tempID sql.NullString
		var seq sql.NullInt64
		var created, updated int64
		var status string
		if err := rows.Scan(&m.ID, &tempID, &m.ConversationID, &m.AuthorID, &m.Content, &status, &seq, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		m.TempID = tempID.String
		m.SequenceNumber = seq.Int64
		m.Status = MessageStatus(status)
		m.CreatedAt = fromMS(created)
		m.UpdatedAt = fromMS(updated)
		out = append(out, &m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// ListMessages returns the window in chronological order, oldest first.
// The query walks newest-first so LIMIT keeps the most recent rows,
// then the slice is reversed.
func (s *sqliteStore) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	var (
		out []*Message
		err error
	)
	if beforeID != "" {
		// Keyset pagination off the anchor row's timestamp.
		out, err = s.listMessages(ctx, `
			SELECT `+msgCols+` FROM messages
			WHERE conversation_id = ?
			  AND created_at < (SELECT created_at FROM messages WHERE id = ?)
			ORDER BY created_at DESC, sequence_number DESC LIMIT ?`,
			conversationID, beforeID, limit)
	} else {
		out, err = s.listMessages(ctx, `
			SELECT `+msgCols+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, sequence_number DESC LIMIT ?`,
			conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) ListMessagesByStatus(ctx context.Context, status MessageStatus) ([]*Message, error) {
	return s.listMessages(ctx,
		`SELECT `+msgCols+` FROM messages WHERE status = ?`, string(status))
}

func (s *sqliteStore) UpsertSendRequest(ctx context.Context, r *SendRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_requests (id, message_id, status, retry_count, last_sent_at, error_message, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, retry_count=excluded.retry_count,
			last_sent_at=excluded.last_sent_at, error_message=excluded.error_message`,
		r.ID, r.MessageID, string(r.Status), r.RetryCount, ms(r.LastSentAt), nullStr(r.ErrorMessage), ms(r.CreatedAt))
	return errors.Wrap(err, "upsert send request")
}

const reqCols = `id, message_id, status, retry_count, last_sent_at, error_message, created_at`

func (s *sqliteStore) scanRequest(row *sql.Row) (*SendRequest, error) {
	var r SendRequest
	var status string
	var lastSent int64
	var errMsg sql.NullString
	var created int64
	err := row.Scan(&r.ID, &r.MessageID, &status, &r.RetryCount, &lastSent, &errMsg, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan send request")
	}
	r.Status = SendRequestStatus(status)
	r.LastSentAt = fromMS(lastSent)
	r.ErrorMessage = errMsg.String
	r.CreatedAt = fromMS(created)
	return &r, nil
}

func (s *sqliteStore) GetSendRequest(ctx context.Context, id string) (*SendRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+reqCols+` FROM send_requests WHERE id = ?`, id))
}

func (s *sqliteStore) GetSendRequestByMessageID(ctx context.Context, messageID string) (*SendRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+reqCols+` FROM send_requests WHERE message_id = ?`, messageID))
}

func (s *sqliteStore) DeleteSendRequest(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM send_requests WHERE id = ?`, id)
	return errors.Wrap(err, "delete send request")
}

func (s *sqliteStore) DeleteSendRequestByMessageID(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM send_requests WHERE message_id = ?`, messageID)
	return errors.Wrap(err, "delete send request by message")
}

func (s *sqliteStore) ListSendRequestsByStatus(ctx context.Context, statuses ...SendRequestStatus) ([]*SendRequest, error) {
	out := make([]*SendRequest, 0)
	for _, st := range statuses {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+reqCols+` FROM send_requests WHERE status = ? ORDER BY created_at`, string(st))
		if err != nil {
			return nil, errors.Wrap(err, "list send requests")
		}
		for rows.Next() {
			var r SendRequest
			var status string
			var lastSent int64
			var errMsg sql.NullString
			var created int64
			if err := rows.Scan(&r.ID, &r.MessageID, &status, &r.RetryCount, &lastSent, &errMsg, &created); err != nil {
				_ = rows.Close()
				return nil, errors.Wrap(err, "scan send request row")
			}
			r.Status = SendRequestStatus(status)
			r.LastSentAt = fromMS(lastSent)
			r.ErrorMessage = errMsg.String
			r.CreatedAt = fromMS(created)
			out = append(out, &r)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "iterate send requests")
		}
		_ = rows.Close()
	}
	return out, nil
}

// NextSequence does the read-modify-write in a single statement, which
// sqlite serializes, so concurrent callers get gap-free numbers.
func (s *sqliteStore) NextSequence(ctx context.Context, conversationID, authorID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO seq_counters (conversation_id, author_id, next_seq, updated_at)
		VALUES (?,?,1,?)
		ON CONFLICT(conversation_id, author_id)
		DO UPDATE SET next_seq = next_seq + 1, updated_at = excluded.updated_at
		RETURNING next_seq`,
		conversationID, authorID, time.Now().UnixMilli()).Scan(&next)
	if err != nil {
		return 0, errs.ErrResource.WrapMsg("next sequence %s/%s: %v", conversationID, authorID, err)
	}
	return next, nil
}

func (s *sqliteStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, last_message_id, updated_at) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, last_message_id=excluded.last_message_id, updated_at=excluded.updated_at`,
		c.ID, nullStr(c.Title), nullStr(c.LastMessageID), ms(c.UpdatedAt))
	return errors.Wrap(err, "upsert conversation")
}

func (s *sqliteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, last_message_id, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Conversation, 0)
	for rows.Next() {
		var c Conversation
		var title, lastMsg sql.NullString
		var updated int64
		if err := rows.Scan(&c.ID, &title, &lastMsg, &updated); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		c.Title = title.String
		c.LastMessageID = lastMsg.String
		c.UpdatedAt = fromMS(updated)
		out = append(out, &c)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

// Close releases the underlying handle.
func (s *sqliteStore) Close() error { return s.db.Close() }
