// Package registry is the identity registry: it issues AX-IDs and owns
// agent profiles. Every other component validates agent references here.
package registry

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/big"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

const (
	// DefaultRegion is used when neither the caller nor the operator picks one.
	DefaultRegion = "CN"
	// DefaultPlatform mirrors the platform the reference clients run on.
	DefaultPlatform = "openclaw"

	initialDigits = 4
	maxDigits     = 18
	// collisionsBeforeWiden is the number of taken candidates tolerated at
	// one width before two more digits are added.
	collisionsBeforeWiden = 16
)

var (
	regionRegex = regexp.MustCompile(`^[A-Z]{2}$`)
	axIDRegex   = regexp.MustCompile(`^AX-([US])-([A-Z]{2})-(\d{4,})$`)
)

// Persister durably records agent profiles.
type Persister interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
}

type nopPersister struct{}

func (nopPersister) SaveAgent(context.Context, *models.Agent) error { return nil }

// Registry stores agents keyed by AX-ID. The map lock is held only to look
// up or insert entries; profile updates lock the single entry.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*entry
	order    []*entry // by CreatedAt, then AX-ID
	reserved map[string]struct{}
	// lastCreated is the newest CreatedAt handed out.
	lastCreated time.Time

	region  string
	cost    int
	persist Persister
	now     func() time.Time
}

// entry guards one agent. id and created never change.
type entry struct {
	id      string
	created time.Time

	mu    sync.RWMutex
	agent models.Agent
}

func newEntry(a models.Agent) *entry {
	return &entry{id: a.AXID, created: a.CreatedAt, agent: a}
}

func (e *entry) load() models.Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agent.Clone()
}

// Option configures a Registry.
type Option func(*Registry)

// WithRegion sets the region used when a registration names none.
func WithRegion(region string) Option {
	return func(r *Registry) {
		if region != "" {
			r.region = strings.ToUpper(region)
		}
	}
}

// WithHashCost sets the bcrypt cost for credentials.
func WithHashCost(cost int) Option {
	return func(r *Registry) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			r.cost = cost
		}
	}
}

// WithPersister makes every committed change durable through p.
func WithPersister(p Persister) Option {
	return func(r *Registry) {
		if p != nil {
			r.persist = p
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents:   make(map[string]*entry),
		reserved: make(map[string]struct{}),
		region:   DefaultRegion,
		cost:     bcrypt.DefaultCost,
		persist:  nopPersister{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterParams are the profile fields supplied at registration.
type RegisterParams struct {
	Nickname  string
	Password  string
	AgentType string
	Platform  string
	Region    string
	OwnerName string
	Bio       string
	SkillTags []string
	ModelBase string
}

// Register validates p, allocates a fresh AX-ID and stores the agent.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (models.Agent, error) {
	nickname := strings.TrimSpace(p.Nickname)
	if nickname == "" {
		return models.Agent{}, fmt.Errorf("%w: nickname is required", models.ErrValidation)
	}
	agentType, err := models.ParseAgentType(p.AgentType)
	if err != nil {
		return models.Agent{}, err
	}
	ownerName := strings.TrimSpace(p.OwnerName)
	if agentType == models.AgentSkill && ownerName != "" {
		return models.Agent{}, fmt.Errorf("%w: ownerName is only allowed for personal agents", models.ErrValidation)
	}
	region := r.region
	if p.Region != "" {
		region = strings.ToUpper(strings.TrimSpace(p.Region))
	}
	if !regionRegex.MatchString(region) {
		return models.Agent{}, fmt.Errorf("%w: region must be two letters", models.ErrValidation)
	}
	platform := strings.TrimSpace(p.Platform)
	if platform == "" {
		platform = DefaultPlatform
	}

	var hash string
	if p.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(p.Password), r.cost)
		if err != nil {
			return models.Agent{}, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}

	agent := models.Agent{
		AgentType:    agentType,
		Nickname:     nickname,
		Platform:     platform,
		Region:       region,
		OwnerName:    ownerName,
		Bio:          strings.TrimSpace(p.Bio),
		SkillTags:    NormalizeTags(p.SkillTags),
		ModelBase:    strings.TrimSpace(p.ModelBase),
		Rating:       models.DefaultRating,
		PasswordHash: hash,
	}

	// The ID is reserved under the same lock that checks it, then persisted
	// without holding the map lock, then published.
	r.mu.Lock()
	id, err := r.allocateLocked(agentType, region)
	if err != nil {
		r.mu.Unlock()
		return models.Agent{}, err
	}
	r.reserved[id] = struct{}{}
	agent.CreatedAt = r.stampLocked()
	agent.UpdatedAt = agent.CreatedAt
	r.mu.Unlock()

	agent.AXID = id
	err = r.persist.SaveAgent(ctx, &agent)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, id)
	if err != nil {
		return models.Agent{}, fmt.Errorf("save agent: %w", err)
	}
	r.insertLocked(newEntry(agent))
	return agent.Clone(), nil
}

// stampLocked returns a registration time later than any handed out
// before, at the microsecond precision the databases keep. Callers hold r.mu.
func (r *Registry) stampLocked() time.Time {
	now := r.now().UTC().Truncate(time.Microsecond)
	if !now.After(r.lastCreated) {
		now = r.lastCreated.Add(time.Microsecond)
	}
	r.lastCreated = now
	return now
}

// insertLocked adds e keeping r.order sorted by registration time, then
// AX-ID, whatever order saves complete in.
func (r *Registry) insertLocked(e *entry) {
	r.agents[e.id] = e
	i, _ := slices.BinarySearchFunc(r.order, e, func(a, b *entry) int {
		return cmp.Or(a.created.Compare(b.created), cmp.Compare(a.id, b.id))
	})
	r.order = slices.Insert(r.order, i, e)
}

// allocateLocked picks an unused AX-ID. Callers hold r.mu.
func (r *Registry) allocateLocked(t models.AgentType, region string) (string, error) {
	width := initialDigits
	for attempt := 1; ; attempt++ {
		digits, err := randomDigits(width)
		if err != nil {
			return "", fmt.Errorf("generate ax_id: %w", err)
		}
		id := fmt.Sprintf("AX-%s-%s-%s", t.Prefix(), region, digits)
		if !r.takenLocked(id) {
			return id, nil
		}
		if attempt%collisionsBeforeWiden == 0 {
			if width >= maxDigits {
				return "", errors.New("generate ax_id: identifier space exhausted")
			}
			width += 2
		}
	}
}

func (r *Registry) takenLocked(id string) bool {
	if _, ok := r.agents[id]; ok {
		return true
	}
	_, ok := r.reserved[id]
	return ok
}

func randomDigits(width int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(width)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	s := n.Text(10)
	return strings.Repeat("0", width-len(s)) + s, nil
}

func (r *Registry) lookup(axID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.agents[axID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownAgent, axID)
	}
	return e, nil
}

// Get returns the agent registered under axID.
func (r *Registry) Get(axID string) (models.Agent, error) {
	e, err := r.lookup(axID)
	if err != nil {
		return models.Agent{}, err
	}
	return e.load(), nil
}

// Exists reports whether axID has been issued.
func (r *Registry) Exists(axID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[axID]
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.order...)
}

// All yields every agent in registration order. Each range over the
// sequence takes a fresh snapshot of the membership.
func (r *Registry) All() iter.Seq[models.Agent] {
	return func(yield func(models.Agent) bool) {
		for _, e := range r.snapshot() {
			if !yield(e.load()) {
				return
			}
		}
	}
}

// Search yields agents whose nickname, AX-ID, bio or any skill tag contains
// keyword, case-insensitively. An empty keyword matches everyone.
func (r *Registry) Search(keyword string) iter.Seq[models.Agent] {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	return func(yield func(models.Agent) bool) {
		for a := range r.All() {
			if Matches(a, needle) && !yield(a) {
				return
			}
		}
	}
}

// Matches reports whether a lower-cased needle occurs in a's searchable fields.
func Matches(a models.Agent, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(a.Nickname), needle) ||
		strings.Contains(strings.ToLower(a.AXID), needle) ||
		strings.Contains(strings.ToLower(a.Bio), needle) {
		return true
	}
	for _, tag := range a.SkillTags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// UpdateParams lists the mutable profile fields. Nil means unchanged.
type UpdateParams struct {
	Bio       *string
	SkillTags []string
}

// Update changes bio and skill tags after checking the credential.
func (r *Registry) Update(ctx context.Context, axID, password string, p UpdateParams) (models.Agent, error) {
	e, err := r.lookup(axID)
	if err != nil {
		return models.Agent{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkPassword(e.agent.PasswordHash, password); err != nil {
		return models.Agent{}, err
	}

	next := e.agent.Clone()
	if p.Bio != nil {
		next.Bio = strings.TrimSpace(*p.Bio)
	}
	if p.SkillTags != nil {
		next.SkillTags = NormalizeTags(p.SkillTags)
	}
	next.UpdatedAt = r.now().UTC()

	if err := r.persist.SaveAgent(ctx, &next); err != nil {
		return models.Agent{}, fmt.Errorf("save agent: %w", err)
	}
	e.agent = next
	return next.Clone(), nil
}

// Rate folds score (1..5) into the agent's running average.
func (r *Registry) Rate(ctx context.Context, axID string, score int) (models.Agent, error) {
	if score < 1 || score > 5 {
		return models.Agent{}, fmt.Errorf("%w: score must be between 1 and 5", models.ErrValidation)
	}
	e, err := r.lookup(axID)
	if err != nil {
		return models.Agent{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.agent.Clone()
	count := next.RatingCount + 1
	avg := (next.Rating*float64(next.RatingCount) + float64(score)) / float64(count)
	next.Rating = math.Round(avg*10) / 10
	next.RatingCount = count
	next.UpdatedAt = r.now().UTC()

	if err := r.persist.SaveAgent(ctx, &next); err != nil {
		return models.Agent{}, fmt.Errorf("save agent: %w", err)
	}
	e.agent = next
	return next.Clone(), nil
}

// Authenticate checks password against the credential stored for axID.
func (r *Registry) Authenticate(axID, password string) (models.Agent, error) {
	e, err := r.lookup(axID)
	if err != nil {
		return models.Agent{}, fmt.Errorf("%w: unknown agent", models.ErrUnauthorized)
	}
	a := e.load()
	if err := checkPassword(a.PasswordHash, password); err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

func checkPassword(hash, password string) error {
	if hash == "" || password == "" {
		return fmt.Errorf("%w: credential mismatch", models.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return fmt.Errorf("%w: credential mismatch", models.ErrUnauthorized)
	}
	return nil
}

// Restore loads previously persisted agents, in registration order.
// It is meant to run before the registry serves requests.
func (r *Registry) Restore(agents []models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		if _, ok := r.agents[a.AXID]; ok {
			continue
		}
		r.insertLocked(newEntry(a.Clone()))
		if a.CreatedAt.After(r.lastCreated) {
			r.lastCreated = a.CreatedAt
		}
	}
}

// NormalizeTags trims tags, drops empties and duplicates, and keeps order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// AXID is a decoded agent identifier.
type AXID struct {
	Type   models.AgentType
	Region string
	Number string
}

// ParseAXID decodes an identifier of the form AX-U-CN-8899.
func ParseAXID(id string) (AXID, bool) {
	m := axIDRegex.FindStringSubmatch(id)
	if m == nil {
		return AXID{}, false
	}
	t := models.AgentPersonal
	if m[1] == "S" {
		t = models.AgentSkill
	}
	return AXID{Type: t, Region: m[2], Number: m[3]}, true
}
