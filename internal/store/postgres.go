package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS agents (
		id BIGSERIAL PRIMARY KEY,
		ax_id TEXT UNIQUE NOT NULL,
		agent_type TEXT NOT NULL,
		nickname TEXT NOT NULL,
		platform TEXT NOT NULL,
		region TEXT NOT NULL,
		owner_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		skill_tags TEXT[] NOT NULL DEFAULT '{}',
		model_base TEXT NOT NULL DEFAULT '',
		rating DOUBLE PRECISION NOT NULL DEFAULT 5.0,
		rating_count INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS contacts (
		a TEXT NOT NULL,
		b TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		status TEXT NOT NULL,
		seq BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (a, b)
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id BIGSERIAL PRIMARY KEY,
		group_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		owner TEXT NOT NULL,
		members TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation TEXT NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		msg_type TEXT NOT NULL,
		ts BIGINT NOT NULL,
		seq BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipts (
		message_id TEXT NOT NULL REFERENCES messages(id),
		recipient TEXT NOT NULL,
		PRIMARY KEY (message_id, recipient)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		task_id TEXT UNIQUE NOT NULL,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		input_data JSONB NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		output_data JSONB,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, seq);
	CREATE INDEX IF NOT EXISTS idx_receipts_recipient ON receipts(recipient);
	CREATE INDEX IF NOT EXISTS idx_tasks_to ON tasks(to_id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveAgent inserts or updates an agent profile.
func (s *PostgresStore) SaveAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (ax_id, agent_type, nickname, platform, region, owner_name, bio,
			skill_tags, model_base, rating, rating_count, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (ax_id) DO UPDATE SET
			bio = EXCLUDED.bio,
			skill_tags = EXCLUDED.skill_tags,
			rating = EXCLUDED.rating,
			rating_count = EXCLUDED.rating_count,
			updated_at = EXCLUDED.updated_at
	`, a.AXID, string(a.AgentType), a.Nickname, a.Platform, a.Region, a.OwnerName, a.Bio,
		a.SkillTags, a.ModelBase, a.Rating, a.RatingCount, a.PasswordHash, a.CreatedAt, a.UpdatedAt)
	return err
}

// SaveContact inserts or updates the record of a pair.
func (s *PostgresStore) SaveContact(ctx context.Context, c *models.Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (a, b, requested_by, status, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (a, b) DO UPDATE SET
			requested_by = EXCLUDED.requested_by,
			status = EXCLUDED.status,
			seq = EXCLUDED.seq,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`, c.A, c.B, c.RequestedBy, string(c.Status), c.Seq, c.CreatedAt, c.UpdatedAt)
	return err
}

// DeleteContact removes the record of a pair.
func (s *PostgresStore) DeleteContact(ctx context.Context, a, b string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM contacts WHERE a = $1 AND b = $2`, a, b)
	return err
}

// AppendMessage stores a message and its unread receipts in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, m *models.Message, recipients []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation, from_id, to_id, group_id, content, msg_type, ts, seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, m.ID, m.ConversationKey(), m.From, m.To, m.GroupID, m.Content, m.Type, m.Timestamp, m.Seq)
		if err != nil {
			return err
		}
		if len(recipients) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO receipts (message_id, recipient)
			SELECT $1, unnest($2::text[])
		`, m.ID, recipients)
		return err
	})
}

// MarkRead drops the receipts of recipient for the given messages.
func (s *PostgresStore) MarkRead(ctx context.Context, recipient string, messageIDs []string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM receipts WHERE recipient = $1 AND message_id = ANY($2)
	`, recipient, messageIDs)
	return err
}

// SaveGroup inserts or updates a group and its member list.
func (s *PostgresStore) SaveGroup(ctx context.Context, g *models.Group) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_groups (group_id, name, owner, members, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id) DO UPDATE SET members = EXCLUDED.members
	`, g.GroupID, g.Name, g.Owner, g.Members, g.CreatedAt)
	return err
}

// SaveTask inserts or updates a task.
func (s *PostgresStore) SaveTask(ctx context.Context, t *models.Task) error {
	var output *string
	if t.OutputData != nil {
		v := string(t.OutputData)
		output = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, from_id, to_id, title, description, input_data, priority,
			status, output_data, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10, $11, $12)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			output_data = EXCLUDED.output_data,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, t.TaskID, t.From, t.To, t.Title, t.Description, string(t.InputData), string(t.Priority),
		string(t.Status), output, t.Reason, t.CreatedAt, t.UpdatedAt)
	return err
}

// Load reads the whole database back.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
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

func (s *PostgresStore) loadAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
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
		var agentType string
		if err := rows.Scan(
			&a.AXID,
			&agentType,
			&a.Nickname,
			&a.Platform,
			&a.Region,
			&a.OwnerName,
			&a.Bio,
			&a.SkillTags,
			&a.ModelBase,
			&a.Rating,
			&a.RatingCount,
			&a.PasswordHash,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		a.AgentType = models.AgentType(agentType)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) loadContacts(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.pool.Query(ctx, `
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
		var status string
		if err := rows.Scan(&c.A, &c.B, &c.RequestedBy, &status, &c.Seq, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = models.ContactStatus(status)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *PostgresStore) loadGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, name, owner, members, created_at FROM chat_groups ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Owner, &g.Members, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) loadMessages(ctx context.Context) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *PostgresStore) loadReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *PostgresStore) loadTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, from_id, to_id, title, description, input_data::text, priority, status,
			output_data::text, reason, created_at, updated_at
		FROM tasks ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var input, priority, status string
		var output *string
		if err := rows.Scan(
			&t.TaskID,
			&t.From,
			&t.To,
			&t.Title,
			&t.Description,
			&input,
			&priority,
			&status,
			&output,
			&t.Reason,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.InputData = json.RawMessage(input)
		t.Priority = models.Priority(priority)
		t.Status = models.TaskStatus(status)
		if output != nil {
			t.OutputData = json.RawMessage(*output)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
