package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session captures persisted logins.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Room is a messaging scope, either a two-party direct conversation or a
// multi-member group.
type Room struct {
	ID        string
	Kind      string // "direct" or "group"
	Name      string
	CreatedAt time.Time
}

// Message is a persisted chat message with its read acknowledgements.
type Message struct {
	ID            string
	RoomID        string
	SenderID      string
	Content       string
	AttachmentRef string
	CreatedAt     time.Time
	ReadBy        []string
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrRoomNotFound is returned when a room id does not resolve.
var ErrRoomNotFound = errors.New("room not found")

// ErrNotMember is returned when a user acts on a room they do not belong to.
var ErrNotMember = errors.New("user is not a room member")

// ErrEmptyMessage is returned when a message has neither content nor attachment.
var ErrEmptyMessage = errors.New("message needs content or an attachment")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "campuschat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			attachment_ref TEXT NOT NULL DEFAULT '',
			created_at_ns INTEGER NOT NULL,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_order ON messages(room_id, created_at_ns, id);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username, displayName string, passwordHash []byte) (string, error) {
	id := uuid.NewString()
	if displayName == "" {
		displayName = username
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, display_name, password_hash) VALUES(?, ?, ?, ?)`,
		id, username, displayName, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrUserExists
		}
		return "", err
	}
	return id, nil
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateSession stores a new session token for a user.
func (s *Store) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token, user_id, expires_at) VALUES(?, ?, ?)`, token, userID, expiresAt.UTC())
	return err
}

// GetSession returns a session if it exists.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token)
	var sess Session
	if err := row.Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session token (used for logout).
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// UpdatePassword replaces the stored password hash for a user.
func (s *Store) UpdatePassword(ctx context.Context, userID string, newHash []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, newHash, userID)
	return err
}

// CreateRoom inserts a room together with its member set. Direct rooms must
// have exactly two members.
func (s *Store) CreateRoom(ctx context.Context, kind, name string, memberIDs []string) (*Room, error) {
	if kind != "direct" && kind != "group" {
		return nil, fmt.Errorf("unknown room kind %q", kind)
	}
	if kind == "direct" && len(memberIDs) != 2 {
		return nil, fmt.Errorf("direct room needs exactly two members, got %d", len(memberIDs))
	}
	if len(memberIDs) == 0 {
		return nil, errors.New("room needs at least one member")
	}
	room := &Room{ID: uuid.NewString(), Kind: kind, Name: name, CreatedAt: time.Now().UTC()}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO rooms(id, kind, name, created_at) VALUES(?, ?, ?, ?)`,
		room.ID, room.Kind, room.Name, room.CreatedAt); err != nil {
		return nil, err
	}
	for _, memberID := range memberIDs {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_members(room_id, user_id) VALUES(?, ?)`, room.ID, memberID); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom fetches a room by id, or ErrRoomNotFound.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, name, created_at FROM rooms WHERE id = ?`, roomID)
	var room Room
	if err := row.Scan(&room.ID, &room.Kind, &room.Name, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ListRoomsForUser returns all rooms the user belongs to, newest first.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.kind, r.name, r.created_at
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.user_id = ?
		ORDER BY r.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Kind, &room.Name, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// RoomMembers returns the member ids of a room, ordered by join time.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY created_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsRoomMember reports whether the user belongs to the room.
func (s *Store) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertMessage persists a message, assigns its canonical id and timestamp,
// and records the sender's implicit read acknowledgement.
func (s *Store) InsertMessage(ctx context.Context, roomID, senderID, content, attachmentRef string) (*Message, error) {
	if strings.TrimSpace(content) == "" && attachmentRef == "" {
		return nil, ErrEmptyMessage
	}
	member, err := s.IsRoomMember(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}
	msg := &Message{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		SenderID:      senderID,
		Content:       content,
		AttachmentRef: attachmentRef,
		CreatedAt:     time.Now().UTC(),
		ReadBy:        []string{senderID},
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages(id, room_id, sender_id, content, attachment_ref, created_at_ns) VALUES(?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.AttachmentRef, msg.CreatedAt.UnixNano()); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads(message_id, user_id) VALUES(?, ?)`, msg.ID, msg.SenderID); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages fetches the room timeline ordered by (timestamp, id). A limit
// of zero means the full history; otherwise the newest `limit` messages are
// returned, still in ascending order.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	query := `
		SELECT id, room_id, sender_id, content, attachment_ref, created_at_ns
		FROM messages WHERE room_id = ?
		ORDER BY created_at_ns ASC, id ASC`
	args := []interface{}{roomID}
	if limit > 0 {
		query = `
			SELECT id, room_id, sender_id, content, attachment_ref, created_at_ns FROM (
				SELECT id, room_id, sender_id, content, attachment_ref, created_at_ns
				FROM messages WHERE room_id = ?
				ORDER BY created_at_ns DESC, id DESC LIMIT ?
			) ORDER BY created_at_ns ASC, id ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var msg Message
		var createdNs int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.AttachmentRef, &createdNs); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.Unix(0, createdNs).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range messages {
		readBy, err := s.ReadBy(ctx, messages[i].ID)
		if err != nil {
			return nil, err
		}
		messages[i].ReadBy = readBy
	}
	return messages, nil
}

// GetMessage fetches a single message with its read set, or nil when absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, sender_id, content, attachment_ref, created_at_ns FROM messages WHERE id = ?`, messageID)
	var msg Message
	var createdNs int64
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.AttachmentRef, &createdNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg.CreatedAt = time.Unix(0, createdNs).UTC()
	readBy, err := s.ReadBy(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.ReadBy = readBy
	return &msg, nil
}

// MarkRead appends the user to the message's read set. The insert is
// idempotent so the set only ever grows.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads(message_id, user_id) VALUES(?, ?)`, messageID, userID)
	return err
}

// ReadBy returns the ordered read set for a message.
func (s *Store) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY user_id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readBy []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readBy = append(readBy, id)
	}
	return readBy, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
