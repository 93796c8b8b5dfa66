package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/aixin.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/aixin.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between concurrent upserts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ax_id TEXT UNIQUE NOT NULL,
		agent_type TEXT NOT NULL,
		nickname TEXT NOT NULL,
		platform TEXT NOT NULL,
		region TEXT NOT NULL,
		owner_name TEXT DEFAULT '',
		bio TEXT DEFAULT '',
		skill_tags TEXT DEFAULT '[]',
		model_base TEXT DEFAULT '',
		rating REAL DEFAULT 5.0,
		rating_count INTEGER DEFAULT 0,
		password_hash TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contacts (
		a TEXT NOT NULL,
		b TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		status TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (a, b)
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		owner TEXT NOT NULL,
		members TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT DEFAULT '',
		group_id TEXT DEFAULT '',
		content TEXT NOT NULL,
		msg_type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipts (
		message_id TEXT NOT NULL REFERENCES messages(id),
		recipient TEXT NOT NULL,
		PRIMARY KEY (message_id, recipient)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT UNIQUE NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		input_data TEXT NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		output_data TEXT,
		reason TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, seq);
	CREATE INDEX IF NOT EXISTS idx_receipts_recipient ON receipts(recipient);
	CREATE INDEX IF NOT EXISTS idx_tasks_to ON tasks(to_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveAgent inserts or updates an agent profile.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a *models.Agent) error {
	tags, err := json.Marshal(a.SkillTags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (ax_id, agent_type, nickname, platform, region, owner_name, bio,
			skill_tags, model_base, rating, rating_count, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ax_id) DO UPDATE SET
			bio = excluded.bio,
			skill_tags = excluded.skill_tags,
			rating = excluded.rating,
			rating_count = excluded.rating_count,
			updated_at = excluded.updated_at
	`, a.AXID, a.AgentType, a.Nickname, a.Platform, a.Region, a.OwnerName, a.Bio,
		string(tags), a.ModelBase, a.Rating, a.RatingCount, a.PasswordHash, a.CreatedAt, a.UpdatedAt)
	return err
}

// SaveContact inserts or updates the record of a pair.
func (s *SQLiteStore) SaveContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (a, b, requested_by, status, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(a, b) DO UPDATE SET
			requested_by = excluded.requested_by,
			status = excluded.status,
			seq = excluded.seq,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, c.A, c.B, c.RequestedBy, c.Status, c.Seq, c.CreatedAt, c.UpdatedAt)
	return err
}

// DeleteContact removes the record of a pair.
func (s *SQLiteStore) DeleteContact(ctx context.Context, a, b string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE a = ? AND b = ?`, a, b)
	return err
}

// AppendMessage stores a message and its unread receipts in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *models.Message, recipients []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation, from_id, to_id, group_id, content, msg_type, ts, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationKey(), m.From, m.To, m.GroupID, m.Content, m.Type, m.Timestamp, m.Seq)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if _, err := tx.ExecContext(ctx, `INSERT INTO receipts (message_id, recipient) VALUES (?, ?)`, m.ID, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkRead drops the receipts of recipient for the given messages.
func (s *SQLiteStore) MarkRead(ctx context.Context, recipient string, messageIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM receipts WHERE message_id = ? AND recipient = ?`, id, recipient); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveGroup inserts or updates a group and its member list.
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *models.Group) error {
	members, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_groups (group_id, name, owner, members, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET members = excluded.members
	`, g.GroupID, g.Name, g.Owner, string(members), g.CreatedAt)
	return err
}

// SaveTask inserts or updates a task.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *models.Task) error {
	var output sql.NullString
	if t.OutputData != nil {
		output = sql.NullString{String: string(t.OutputData), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, from_id, to_id, title, description, input_data, priority,
			status, output_data, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			output_data = excluded.output_data,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, t.TaskID, t.From, t.To, t.Title, t.Description, string(t.InputData), t.Priority,
		t.Status, output, t.Reason, t.CreatedAt, t.UpdatedAt)
	return err
}

// Load reads the whole database back.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Agents, err = s.loadAgents(ctx); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	if snap.Contacts, err = s.loadContacts(ctx); err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	if snap.Groups, err = s.loadGroups(ctx); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	if snap.Messages, err = s.loadMessages(ctx); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if snap.Unread, err = s.loadReceipts(ctx); err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	if snap.Tasks, err = s.loadTasks(ctx); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) loadAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ax_id, agent_type, nickname, platform, region, owner_name, bio, skill_tags,
			model_base, rating, rating_count, password_hash, created_at, updated_at
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		var tags string
		if err := rows.Scan(
			&a.AXID,
			&a.AgentType,
			&a.Nickname,
			&a.Platform,
			&a.Region,
			&a.OwnerName,
			&a.Bio,
			&tags,
			&a.ModelBase,
			&a.Rating,
			&a.RatingCount,
			&a.PasswordHash,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &a.SkillTags); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) loadContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a, b, requested_by, status, seq, created_at, updated_at
		FROM contacts ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.A, &c.B, &c.RequestedBy, &c.Status, &c.Seq, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *SQLiteStore) loadGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, name, owner, members, created_at FROM chat_groups ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		var members string
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Owner, &members, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) loadMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, group_id, content, msg_type, ts, seq
		FROM messages ORDER BY conversation, seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.GroupID, &m.Content, &m.Type, &m.Timestamp, &m.Seq); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) loadReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.recipient
		FROM receipts r JOIN messages m ON m.id = r.message_id
		ORDER BY m.ts, m.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.MessageID, &r.Recipient); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *SQLiteStore) loadTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_id, to_id, title, description, input_data, priority, status,
			output_data, reason, created_at, updated_at
		FROM tasks ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var input string
		var output sql.NullString
		if err := rows.Scan(
			&t.TaskID,
			&t.From,
			&t.To,
			&t.Title,
			&t.Description,
			&input,
			&t.Priority,
			&t.Status,
			&output,
			&t.Reason,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.InputData = json.RawMessage(input)
		if output.Valid {
			t.OutputData = json.RawMessage(output.String)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
