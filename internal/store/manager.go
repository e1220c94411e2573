package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"huddle/pkg/types"
)

// SQLite pragmas: WAL keeps concurrent reads open while the single
// writer goroutine owns all mutations.
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// Config holds store settings.
type Config struct {
	Path            string        `json:"path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:            "./huddle.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Manager is the durable side of the delivery subsystem: the message
// log with its per-channel event sequences, channel membership reads,
// and push subscription persistence. All writes funnel through a single
// goroutine; reads run concurrently against the pool.
type Manager struct {
	db           *sql.DB
	config       *Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the
// writer goroutine.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	db, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if _, err := db.Exec(sqliteOptimizations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop serializes writes; SQLite holds one write lock, so queueing
// here beats contending for it. Failed writes retry once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("Database write failed, retrying: %v", err)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Close drains the writer goroutine and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}

// GetDB exposes the pool for schema checks in tests.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// EnsureChannel creates a channel by name, or returns the existing id.
func (m *Manager) EnsureChannel(ctx context.Context, name string) (types.ChannelID, error) {
	var id int64
	row := m.db.QueryRowContext(ctx, `SELECT id FROM channels WHERE name = ?`, name)
	if err := row.Scan(&id); err == nil {
		return types.ChannelID(id), nil
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to query channel: %w", err)
	}

	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `INSERT INTO channels (name) VALUES (?)`, name)
		if err != nil {
			return fmt.Errorf("failed to insert channel: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return types.ChannelID(id), nil
}

// AddMember grants a user membership in a channel. Idempotent.
func (m *Manager) AddMember(ctx context.Context, channelID types.ChannelID, userID types.UserID) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO channel_members (channel_id, user_id) VALUES (?, ?)`,
			int64(channelID), int64(userID))
		if err != nil {
			return fmt.Errorf("failed to insert membership: %w", err)
		}
		return nil
	})
}

// IsChannelMember answers the access check the websocket handler makes
// on attach.
func (m *Manager) IsChannelMember(channelID types.ChannelID, userID types.UserID) (bool, error) {
	var one int
	row := m.db.QueryRow(
		`SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		int64(channelID), int64(userID))
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return true, nil
}

// ChannelMembers lists every user belonging to a channel, the recipient
// set for push dispatch.
func (m *Manager) ChannelMembers(ctx context.Context, channelID types.ChannelID) ([]types.UserID, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY user_id`,
		int64(channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []types.UserID
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, types.UserID(userID))
	}
	return members, rows.Err()
}

// allocateSeq claims the next per-channel event sequence inside an open
// transaction. Sequences are strictly increasing and gap-free within a
// channel, which is what lets polling clients ask "since N" without
// ambiguity.
func allocateSeq(ctx context.Context, tx *sql.Tx, channelID types.ChannelID) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE channels SET last_seq = last_seq + 1 WHERE id = ?`, int64(channelID))
	if err != nil {
		return 0, fmt.Errorf("failed to advance channel sequence: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrChannelNotFound
	}

	var seq int64
	row := tx.QueryRowContext(ctx, `SELECT last_seq FROM channels WHERE id = ?`, int64(channelID))
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read channel sequence: %w", err)
	}
	return seq, nil
}

// AppendMessage durably stores a message with its freshly allocated
// event sequence. Events are only published after this returns,
// preserving the at-least-once guarantee.
func (m *Manager) AppendMessage(ctx context.Context, channelID types.ChannelID, userID types.UserID, content string) (*types.Message, error) {
	message := &types.Message{
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	err := m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		message.Seq, err = allocateSeq(ctx, tx, channelID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (channel_id, seq, user_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			int64(channelID), message.Seq, int64(userID), content, message.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if message.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetMessage retrieves one message by id.
func (m *Manager) GetMessage(ctx context.Context, messageID int64) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, channel_id, seq, user_id, content, created_at, edited_at, deleted
		 FROM messages WHERE id = ?`, messageID)

	var message types.Message
	var editedAt sql.NullTime
	var deleted int
	err := row.Scan(&message.ID, &message.ChannelID, &message.Seq, &message.UserID,
		&message.Content, &message.CreatedAt, &editedAt, &deleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	if editedAt.Valid {
		message.EditedAt = &editedAt.Time
	}
	message.Deleted = deleted != 0
	return &message, nil
}

// MarkEdited updates message content, records the edit time and
// allocates the sequence for the resulting message_edited event.
func (m *Manager) MarkEdited(ctx context.Context, messageID int64, content string) (*types.Message, int64, error) {
	editedAt := time.Now().UTC()
	var eventSeq int64

	err := m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		channelID, err := messageChannel(ctx, tx, messageID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted = 0`,
			content, editedAt, messageID)
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrMessageNotFound
		}

		if eventSeq, err = allocateSeq(ctx, tx, channelID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}

	message, err := m.GetMessage(ctx, messageID)
	return message, eventSeq, err
}

// MarkDeleted soft-deletes a message and allocates the sequence for the
// message_deleted event. The row stays so the stored log keeps its
// history.
func (m *Manager) MarkDeleted(ctx context.Context, messageID int64) (*types.Message, int64, error) {
	var eventSeq int64

	err := m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		channelID, err := messageChannel(ctx, tx, messageID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET deleted = 1 WHERE id = ?`, messageID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrMessageNotFound
		}

		if eventSeq, err = allocateSeq(ctx, tx, channelID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}

	message, err := m.GetMessage(ctx, messageID)
	return message, eventSeq, err
}

func messageChannel(ctx context.Context, tx *sql.Tx, messageID int64) (types.ChannelID, error) {
	var channelID int64
	row := tx.QueryRowContext(ctx, `SELECT channel_id FROM messages WHERE id = ?`, messageID)
	if err := row.Scan(&channelID); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("failed to query message channel: %w", err)
	}
	return types.ChannelID(channelID), nil
}

// SavePushSubscription upserts a subscription keyed by (user, endpoint);
// browsers re-register with fresh keys.
func (m *Manager) SavePushSubscription(ctx context.Context, sub *types.PushSubscription) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, user_agent, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, endpoint)
			DO UPDATE SET p256dh_key = excluded.p256dh_key,
				auth_key = excluded.auth_key,
				user_agent = excluded.user_agent`,
			int64(sub.UserID), sub.Endpoint, sub.P256dhKey, sub.AuthKey, sub.UserAgent, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert push subscription: %w", err)
		}
		return nil
	})
}

// DeletePushSubscription removes a subscription by endpoint, both for
// explicit unsubscribes and for pruning invalid endpoints after a
// permanent push failure.
func (m *Manager) DeletePushSubscription(ctx context.Context, userID types.UserID, endpoint string) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`,
			int64(userID), endpoint)
		if err != nil {
			return fmt.Errorf("failed to delete push subscription: %w", err)
		}
		return nil
	})
}

// SubscriptionsForUser lists a user's registered push endpoints.
func (m *Manager) SubscriptionsForUser(ctx context.Context, userID types.UserID) ([]types.PushSubscription, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh_key, auth_key, COALESCE(user_agent, ''), created_at
		FROM push_subscriptions WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []types.PushSubscription
	for rows.Next() {
		var sub types.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint,
			&sub.P256dhKey, &sub.AuthKey, &sub.UserAgent, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
