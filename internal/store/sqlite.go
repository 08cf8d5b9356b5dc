package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pinehouse-stays/guest-messaging/internal/model"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a local SQLite database. A single connection
// is used (WAL mode), so row transitions are serialized by the database;
// the conditional UPDATE in TransitionDelivery keeps monotonicity even if
// the pool is ever widened.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and runs
// schema migration.
func NewSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id              TEXT PRIMARY KEY,
		user_id         TEXT,
		guest_name      TEXT,
		guest_email     TEXT,
		subject         TEXT NOT NULL,
		status          TEXT NOT NULL,
		priority        TEXT NOT NULL,
		assigned_to     TEXT,
		tags            TEXT,
		archived        INTEGER NOT NULL DEFAULT 0,
		last_message_at DATETIME NOT NULL,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_last ON conversations(last_message_at);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		identity        TEXT NOT NULL,
		user_id         TEXT,
		guest_email     TEXT,
		role            TEXT NOT NULL,
		joined_at       DATETIME NOT NULL,
		last_seen_at    DATETIME,
		notify          INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (conversation_id, identity)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_identity ON participants(identity);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id       TEXT,
		sender_name     TEXT NOT NULL,
		sender_email    TEXT,
		body            TEXT NOT NULL,
		type            TEXT NOT NULL,
		attachments     TEXT,
		reply_to        TEXT REFERENCES messages(id),
		edited_at       DATETIME,
		metadata        TEXT,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS deliveries (
		message_id   TEXT NOT NULL REFERENCES messages(id),
		recipient    TEXT NOT NULL,
		state        TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		delivered_at DATETIME,
		read_at      DATETIME,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL,
		PRIMARY KEY (message_id, recipient)
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient, state);
	`
	_, err := s.db.Exec(schema)
	return err
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func (s *SQLite) CreateConversation(ctx context.Context, c *model.Conversation) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations
		 (id, user_id, guest_name, guest_email, subject, status, priority, assigned_to, tags, archived, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullStr(c.UserID), nullStr(c.GuestName), nullStr(c.GuestEmail),
		c.Subject, string(c.Status), string(c.Priority), nullStr(c.AssignedTo),
		tags, c.Archived, c.LastMessageAt, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const conversationCols = `id, user_id, guest_name, guest_email, subject, status, priority, assigned_to, tags, archived, last_message_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var c model.Conversation
	var userID, guestName, guestEmail, assignedTo, tags sql.NullString
	var status, priority string
	err := row.Scan(&c.ID, &userID, &guestName, &guestEmail, &c.Subject,
		&status, &priority, &assignedTo, &tags, &c.Archived,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.UserID = strPtr(userID)
	c.GuestName = strPtr(guestName)
	c.GuestEmail = strPtr(guestEmail)
	c.AssignedTo = strPtr(assignedTo)
	c.Status = model.ConversationStatus(status)
	c.Priority = model.Priority(priority)
	if err := decodeJSON(tags, &c.Tags); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLite) FindOpenByInitiator(ctx context.Context, identity string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE status != 'closed' AND (user_id = ? OR ('guest_' || guest_email) = ?)
		 ORDER BY last_message_at DESC LIMIT 1`,
		identity, identity)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLite) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	tags, err := encodeJSON(c.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET
		 user_id = ?, guest_name = ?, guest_email = ?, subject = ?, status = ?,
		 priority = ?, assigned_to = ?, tags = ?, archived = ?, last_message_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullStr(c.UserID), nullStr(c.GuestName), nullStr(c.GuestEmail), c.Subject,
		string(c.Status), string(c.Priority), nullStr(c.AssignedTo), tags,
		c.Archived, c.LastMessageAt, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListConversations(ctx context.Context, f model.ConversationFilter) ([]*model.Conversation, int, error) {
	where := `WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		where += ` AND archived = 0`
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		where += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.AssignedTo != "" {
		where += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.Search != "" {
		where += ` AND (subject LIKE ? OR guest_name LIKE ? OR guest_email LIKE ?)`
		q := "%" + f.Search + "%"
		args = append(args, q, q, q)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + conversationCols + ` FROM conversations ` + where +
		` ORDER BY last_message_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *SQLite) ConversationsFor(ctx context.Context, identity string) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE id IN (SELECT conversation_id FROM participants WHERE identity = ?)`,
		identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) ConversationStats(ctx context.Context, conversationID, viewer string) (int, int, *model.Message, error) {
	var msgCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&msgCount); err != nil {
		return 0, 0, nil, err
	}

	unread := 0
	if viewer != "" {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM deliveries d
			 JOIN messages m ON m.id = d.message_id
			 WHERE m.conversation_id = ? AND d.recipient = ? AND d.state IN ('sent', 'delivered')`,
			conversationID, viewer).Scan(&unread); err != nil {
			return 0, 0, nil, err
		}
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		conversationID)
	last, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return msgCount, unread, nil, nil
	}
	if err != nil {
		return 0, 0, nil, err
	}
	return msgCount, unread, last, nil
}

func (s *SQLite) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants
		 (conversation_id, identity, user_id, guest_email, role, joined_at, last_seen_at, notify)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ConversationID, p.Identity(), nullStr(p.UserID), nullStr(p.GuestEmail),
		string(p.Role), p.JoinedAt, nullTime(p.LastSeenAt), p.Notify)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanParticipant(row interface{ Scan(...any) error }) (*model.Participant, error) {
	var p model.Participant
	var identity, role string
	var userID, guestEmail sql.NullString
	var lastSeen sql.NullTime
	err := row.Scan(&p.ConversationID, &identity, &userID, &guestEmail, &role, &p.JoinedAt, &lastSeen, &p.Notify)
	if err != nil {
		return nil, err
	}
	p.UserID = strPtr(userID)
	p.GuestEmail = strPtr(guestEmail)
	p.Role = model.Role(role)
	p.LastSeenAt = timePtr(lastSeen)
	return &p, nil
}

const participantCols = `conversation_id, identity, user_id, guest_email, role, joined_at, last_seen_at, notify`

func (s *SQLite) GetParticipant(ctx context.Context, conversationID, identity string) (*model.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE conversation_id = ? AND identity = ?`,
		conversationID, identity)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLite) ListParticipants(ctx context.Context, conversationID string) ([]*model.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE conversation_id = ? ORDER BY joined_at`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchParticipant(ctx context.Context, identity string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET last_seen_at = ? WHERE identity = ?`, at, identity)
	return err
}

const messageCols = `id, conversation_id, sender_id, sender_name, sender_email, body, type, attachments, reply_to, edited_at, metadata, created_at, updated_at, rowid`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var senderID, senderEmail, attachments, replyTo, metadata sql.NullString
	var editedAt sql.NullTime
	var typ string
	err := row.Scan(&m.ID, &m.ConversationID, &senderID, &m.SenderName, &senderEmail,
		&m.Body, &typ, &attachments, &replyTo, &editedAt, &metadata,
		&m.CreatedAt, &m.UpdatedAt, &m.Seq)
	if err != nil {
		return nil, err
	}
	m.SenderID = strPtr(senderID)
	if senderEmail.Valid {
		m.SenderEmail = senderEmail.String
	}
	m.Type = model.MessageType(typ)
	m.ReplyTo = strPtr(replyTo)
	m.EditedAt = timePtr(editedAt)
	if err := decodeJSON(attachments, &m.Attachments); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLite) CreateMessage(ctx context.Context, m *model.Message, records []*model.DeliveryRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if m.ReplyTo != nil {
		var refConv string
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id FROM messages WHERE id = ?`, *m.ReplyTo).Scan(&refConv)
		if err == sql.ErrNoRows || (err == nil && refConv != m.ConversationID) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
	}

	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(m.Metadata)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages
		 (id, conversation_id, sender_id, sender_name, sender_email, body, type, attachments, reply_to, edited_at, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, nullStr(m.SenderID), m.SenderName,
		sql.NullString{String: m.SenderEmail, Valid: m.SenderEmail != ""},
		m.Body, string(m.Type), attachments, nullStr(m.ReplyTo),
		nullTime(m.EditedAt), metadata, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}

	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (message_id, recipient, state, reason, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, ?)`,
			r.MessageID, r.Recipient, string(r.State), r.CreatedAt, r.UpdatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		m.CreatedAt, m.CreatedAt, m.ConversationID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanDelivery(row interface{ Scan(...any) error }) (*model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var state string
	var deliveredAt, readAt sql.NullTime
	err := row.Scan(&r.MessageID, &r.Recipient, &state, &r.Reason, &deliveredAt, &readAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.State = model.DeliveryState(state)
	r.DeliveredAt = timePtr(deliveredAt)
	r.ReadAt = timePtr(readAt)
	return &r, nil
}

const deliveryCols = `message_id, recipient, state, reason, delivered_at, read_at, created_at, updated_at`

const deliveryColsPrefixed = `d.message_id, d.recipient, d.state, d.reason, d.delivered_at, d.read_at, d.created_at, d.updated_at`

func (s *SQLite) GetDelivery(ctx context.Context, messageID, recipient string) (*model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE message_id = ? AND recipient = ?`,
		messageID, recipient)
	r, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLite) TransitionDelivery(ctx context.Context, messageID, recipient string, to model.DeliveryState, reason string) (*model.DeliveryRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE message_id = ? AND recipient = ?`,
		messageID, recipient)
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	prev := rec.State
	changed, err := applyTransition(rec, to, reason, time.Now())
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return rec, false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE deliveries SET state = ?, reason = ?, delivered_at = ?, read_at = ?, updated_at = ?
		 WHERE message_id = ? AND recipient = ? AND state = ?`,
		string(rec.State), rec.Reason, nullTime(rec.DeliveredAt), nullTime(rec.ReadAt),
		rec.UpdatedAt, messageID, recipient, string(prev))
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent transition; re-read and report no change.
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		cur, err := s.GetDelivery(ctx, messageID, recipient)
		return cur, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *SQLite) PendingDeliveries(ctx context.Context, recipient string) ([]*model.PendingDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColsPrefixed+`, `+messageColsPrefixed+`
		 FROM deliveries d JOIN messages m ON m.id = d.message_id
		 WHERE d.recipient = ? AND d.state = 'sent'
		 ORDER BY m.created_at, m.rowid`,
		recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PendingDelivery
	for rows.Next() {
		var r model.DeliveryRecord
		var m model.Message
		var state, typ string
		var deliveredAt, readAt, editedAt sql.NullTime
		var senderID, senderEmail, attachments, replyTo, metadata sql.NullString
		err := rows.Scan(
			&r.MessageID, &r.Recipient, &state, &r.Reason, &deliveredAt, &readAt, &r.CreatedAt, &r.UpdatedAt,
			&m.ID, &m.ConversationID, &senderID, &m.SenderName, &senderEmail,
			&m.Body, &typ, &attachments, &replyTo, &editedAt, &metadata,
			&m.CreatedAt, &m.UpdatedAt, &m.Seq)
		if err != nil {
			return nil, err
		}
		r.State = model.DeliveryState(state)
		r.DeliveredAt = timePtr(deliveredAt)
		r.ReadAt = timePtr(readAt)
		m.SenderID = strPtr(senderID)
		if senderEmail.Valid {
			m.SenderEmail = senderEmail.String
		}
		m.Type = model.MessageType(typ)
		m.ReplyTo = strPtr(replyTo)
		m.EditedAt = timePtr(editedAt)
		if err := decodeJSON(attachments, &m.Attachments); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &model.PendingDelivery{Message: &m, Record: &r})
	}
	return out, rows.Err()
}

const messageColsPrefixed = `m.id, m.conversation_id, m.sender_id, m.sender_name, m.sender_email, m.body, m.type, m.attachments, m.reply_to, m.edited_at, m.metadata, m.created_at, m.updated_at, m.rowid`

func (s *SQLite) UnreadCount(ctx context.Context, identity string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE recipient = ? AND state IN ('sent', 'delivered')`,
		identity).Scan(&count)
	return count, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
