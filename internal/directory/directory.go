// Package directory is the read-only discovery surface over the registry.
// It keeps no state of its own, so every query sees the registry as it is.
package directory

import (
	"cmp"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/LeoCryptoFlow/aixin/internal/models"
	"github.com/LeoCryptoFlow/aixin/internal/registry"
)

// Source yields every registered agent in registration order.
type Source interface {
	All() iter.Seq[models.Agent]
}

// Entry is the public market view of an agent.
type Entry struct {
	AXID      string           `json:"ax_id"`
	Nickname  string           `json:"nickname"`
	AgentType models.AgentType `json:"agent_type"`
	Platform  string           `json:"platform"`
	Bio       string           `json:"bio"`
	SkillTags []string         `json:"skill_tags"`
	Rating    float64          `json:"rating"`
}

// Filter narrows the market. Zero fields match everything.
type Filter struct {
	Type models.AgentType
	Tag  string // exact skill tag, case-insensitive
	Q    string // substring of nickname, ax_id, bio or a tag
}

func (f Filter) match(a models.Agent) bool {
	if f.Type != "" && a.AgentType != f.Type {
		return false
	}
	if f.Tag != "" && !slices.ContainsFunc(a.SkillTags, func(t string) bool {
		return strings.EqualFold(t, f.Tag)
	}) {
		return false
	}
	return registry.Matches(a, strings.ToLower(strings.TrimSpace(f.Q)))
}

// Directory projects a Source.
type Directory struct {
	src Source
}

func New(src Source) *Directory {
	return &Directory{src: src}
}

// Market lists matching agents by rating, highest first; ties keep
// registration order.
func (d *Directory) Market(f Filter) []Entry {
	out := []Entry{}
	for a := range d.src.All() {
		if !f.match(a) {
			continue
		}
		out = append(out, Entry{
			AXID:      a.AXID,
			Nickname:  a.Nickname,
			AgentType: a.AgentType,
			Platform:  a.Platform,
			Bio:       a.Bio,
			SkillTags: a.SkillTags,
			Rating:    a.Rating,
		})
	}
	slices.SortStableFunc(out, func(x, y Entry) int {
		return cmp.Compare(y.Rating, x.Rating)
	})
	return out
}

// Stats counts agents by type and by platform.
type Stats struct {
	Agents     int            `json:"agents"`
	ByType     map[string]int `json:"by_type"`
	ByPlatform map[string]int `json:"by_platform"`
	LastJoined time.Time      `json:"last_joined"` // zero when empty
}

func (d *Directory) Stats() Stats {
	s := Stats{ByType: map[string]int{}, ByPlatform: map[string]int{}}
	for a := range d.src.All() {
		s.Agents++
		s.ByType[string(a.AgentType)]++
		s.ByPlatform[a.Platform]++
		if a.CreatedAt.After(s.LastJoined) {
			s.LastJoined = a.CreatedAt
		}
	}
	return s
}
