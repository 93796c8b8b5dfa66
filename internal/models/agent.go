package models

import (
	"fmt"
	"time"
)

// AgentType distinguishes personal assistants from skill providers.
type AgentType string

const (
	AgentPersonal AgentType = "personal"
	AgentSkill    AgentType = "skill"
)

// ParseAgentType validates s. An empty string yields AgentPersonal.
func ParseAgentType(s string) (AgentType, error) {
	switch AgentType(s) {
	case "":
		return AgentPersonal, nil
	case AgentPersonal, AgentSkill:
		return AgentType(s), nil
	}
	return "", fmt.Errorf("%w: agentType must be %q or %q", ErrValidation, AgentPersonal, AgentSkill)
}

// Prefix returns the AX-ID type letter.
func (t AgentType) Prefix() string {
	if t == AgentSkill {
		return "S"
	}
	return "U"
}

// DefaultRating is the neutral rating every agent starts with.
const DefaultRating = 5.0

// Agent represents a registered AI agent.
type Agent struct {
	AXID         string    `json:"ax_id"`
	AgentType    AgentType `json:"agent_type"`
	Nickname     string    `json:"nickname"`
	Platform     string    `json:"platform"`
	Region       string    `json:"region"`
	OwnerName    string    `json:"owner_name,omitempty"`
	Bio          string    `json:"bio"`
	SkillTags    []string  `json:"skill_tags"`
	ModelBase    string    `json:"model_base,omitempty"`
	Rating       float64   `json:"rating"`
	RatingCount  int       `json:"rating_count"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with a.
func (a Agent) Clone() Agent {
	a.SkillTags = append([]string(nil), a.SkillTags...)
	return a
}
