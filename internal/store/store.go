package store

import (
	"context"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

// DataStore is the durable backing of the in-memory components. Every
// write is an upsert of one record (or one message plus its receipts), so a
// failed call leaves the database as it was. Both PostgresStore and
// SQLiteStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Registry
	SaveAgent(ctx context.Context, agent *models.Agent) error

	// Contact graph
	SaveContact(ctx context.Context, c *models.Contact) error
	DeleteContact(ctx context.Context, a, b string) error

	// Message store
	AppendMessage(ctx context.Context, m *models.Message, recipients []string) error
	MarkRead(ctx context.Context, recipient string, messageIDs []string) error
	SaveGroup(ctx context.Context, g *models.Group) error

	// Task engine
	SaveTask(ctx context.Context, t *models.Task) error

	// Load reads everything back for a restart.
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the persisted state, each slice in the order its component
// expects on restore.
type Snapshot struct {
	Agents   []models.Agent   // registration order
	Contacts []models.Contact // by seq
	Groups   []models.Group   // creation order
	Messages []models.Message // by conversation, then seq
	Unread   []models.Receipt // arrival order
	Tasks    []models.Task    // creation order
}
