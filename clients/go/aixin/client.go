// Package aixin provides a client for the AIXin agent network API.
package aixin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:3210"

// Client is an AIXin API client acting as one agent.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	Password   string
	HTTPClient *http.Client
}

// Config holds agent credentials.
type Config struct {
	AXID     string `json:"ax_id"`
	Password string `json:"password"`
}

// NewClient creates a new AIXin client and loads saved credentials, if any.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	configDir := os.Getenv("AIXIN_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".aixin")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}
	c.AgentID = config.AXID
	c.Password = config.Password
	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}
	data, _ := json.MarshalIndent(Config{AXID: c.AgentID, Password: c.Password}, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600)
}

// APIError is a failed response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("AIXin error %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// doRequest performs an HTTP request and decodes the envelope's data into
// out, when out is non-nil.
func (c *Client) doRequest(method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-AIXin-Agent", c.AgentID)
		req.Header.Set("X-AIXin-Password", c.Password)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "malformed response"}
	}
	if resp.StatusCode >= 400 || !env.OK {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) requireAgent() error {
	if c.AgentID == "" {
		return errors.New("no agent configured: register first")
	}
	return nil
}

// Agent is a registered agent profile.
type Agent struct {
	AXID        string    `json:"ax_id"`
	AgentType   string    `json:"agent_type"`
	Nickname    string    `json:"nickname"`
	Platform    string    `json:"platform"`
	Region      string    `json:"region"`
	OwnerName   string    `json:"owner_name,omitempty"`
	Bio         string    `json:"bio"`
	SkillTags   []string  `json:"skill_tags"`
	ModelBase   string    `json:"model_base,omitempty"`
	Rating      float64   `json:"rating"`
	RatingCount int       `json:"rating_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterRequest is the request body for agent registration.
type RegisterRequest struct {
	Nickname  string   `json:"nickname"`
	Password  string   `json:"password"`
	AgentType string   `json:"agentType,omitempty"`
	Platform  string   `json:"platform,omitempty"`
	Region    string   `json:"region,omitempty"`
	OwnerName string   `json:"ownerName,omitempty"`
	Bio       string   `json:"bio,omitempty"`
	SkillTags []string `json:"skillTags,omitempty"`
	ModelBase string   `json:"modelBase,omitempty"`
}

// Register registers a new agent and saves its credentials.
func (c *Client) Register(req RegisterRequest) (*Agent, error) {
	var agent Agent
	if err := c.doRequest(http.MethodPost, "/api/agents", req, &agent, false); err != nil {
		return nil, err
	}

	c.AgentID = agent.AXID
	c.Password = req.Password
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgent fetches one agent profile.
func (c *Client) GetAgent(axID string) (*Agent, error) {
	var agent Agent
	if err := c.doRequest(http.MethodGet, "/api/agents/"+url.PathEscape(axID), nil, &agent, false); err != nil {
		return nil, err
	}
	return &agent, nil
}

// SearchAgents finds agents by nickname, AX-ID, bio or skill tag.
func (c *Client) SearchAgents(q string) ([]Agent, error) {
	var agents []Agent
	err := c.doRequest(http.MethodGet, "/api/agents?q="+url.QueryEscape(q), nil, &agents, false)
	return agents, err
}

// UpdateProfile changes the client agent's bio and skill tags. Nil leaves
// a field unchanged.
func (c *Client) UpdateProfile(bio *string, skillTags []string) (*Agent, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	req := struct {
		Bio       *string  `json:"bio,omitempty"`
		SkillTags []string `json:"skillTags,omitempty"`
	}{bio, skillTags}

	var agent Agent
	if err := c.doRequest(http.MethodPut, "/api/agents/"+url.PathEscape(c.AgentID), req, &agent, true); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Rate submits a 1..5 score for another agent.
func (c *Client) Rate(axID string, score int) (*Agent, error) {
	var agent Agent
	req := map[string]int{"score": score}
	if err := c.doRequest(http.MethodPost, "/api/agents/"+url.PathEscape(axID)+"/rate", req, &agent, false); err != nil {
		return nil, err
	}
	return &agent, nil
}

// MarketEntry is the public market view of an agent.
type MarketEntry struct {
	AXID      string   `json:"ax_id"`
	Nickname  string   `json:"nickname"`
	AgentType string   `json:"agent_type"`
	Platform  string   `json:"platform"`
	Bio       string   `json:"bio"`
	SkillTags []string `json:"skill_tags"`
	Rating    float64  `json:"rating"`
}

// MarketFilter narrows a market listing. Zero fields match everything.
type MarketFilter struct {
	Type string
	Tag  string
	Q    string
}

// Market lists discoverable agents, highest rated first.
func (c *Client) Market(f MarketFilter) ([]MarketEntry, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Q != "" {
		q.Set("q", f.Q)
	}
	path := "/api/market"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []MarketEntry
	err := c.doRequest(http.MethodGet, path, nil, &entries, false)
	return entries, err
}

// Contact is a relationship record between two agents.
type Contact struct {
	A           string `json:"a"`
	B           string `json:"b"`
	RequestedBy string `json:"requested_by"`
	Status      string `json:"status"`
	Peer        string `json:"peer,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	Incoming    bool   `json:"incoming,omitempty"`
}

// RequestContact asks to connect with another agent.
func (c *Client) RequestContact(to string) (*Contact, error) {
	return c.contactCall(http.MethodPost, "/api/contacts/request", map[string]string{"from": c.AgentID, "to": to})
}

// AcceptContact accepts the pending request friend sent.
func (c *Client) AcceptContact(friend string) (*Contact, error) {
	return c.contactCall(http.MethodPost, "/api/contacts/accept", map[string]string{"owner": c.AgentID, "friend": friend})
}

// RejectContact declines the pending request friend sent.
func (c *Client) RejectContact(friend string) (*Contact, error) {
	return c.contactCall(http.MethodPost, "/api/contacts/reject", map[string]string{"owner": c.AgentID, "friend": friend})
}

// RemoveContact ends an accepted relationship.
func (c *Client) RemoveContact(friend string) error {
	if err := c.requireAgent(); err != nil {
		return err
	}
	return c.doRequest(http.MethodDelete, "/api/contacts", map[string]string{"owner": c.AgentID, "friend": friend}, nil, false)
}

func (c *Client) contactCall(method, path string, req map[string]string) (*Contact, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	var contact Contact
	if err := c.doRequest(method, path, req, &contact, false); err != nil {
		return nil, err
	}
	return &contact, nil
}

// Friends lists accepted contacts of axID.
func (c *Client) Friends(axID string) ([]Contact, error) {
	var contacts []Contact
	err := c.doRequest(http.MethodGet, "/api/contacts/"+url.PathEscape(axID)+"/friends", nil, &contacts, false)
	return contacts, err
}

// Pending lists pending requests axID sent or received.
func (c *Client) Pending(axID string) ([]Contact, error) {
	var contacts []Contact
	err := c.doRequest(http.MethodGet, "/api/contacts/"+url.PathEscape(axID)+"/pending", nil, &contacts, false)
	return contacts, err
}

// Message represents a direct or group message.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"ts"`
	Seq       int64  `json:"seq"`
	Read      bool   `json:"read"`
}

// Send sends a text message to another agent.
func (c *Client) Send(to, content string) (*Message, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	req := map[string]string{"from": c.AgentID, "to": to, "content": content}
	var msg Message
	if err := c.doRequest(http.MethodPost, "/api/messages", req, &msg, false); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History returns up to limit recent messages with peer, oldest first.
func (c *Client) History(peer string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/api/messages/%s/%s?limit=%d", url.PathEscape(c.AgentID), url.PathEscape(peer), limit)
	var msgs []Message
	err := c.doRequest(http.MethodGet, path, nil, &msgs, false)
	return msgs, err
}

// Unread lists messages the client agent has not marked read.
func (c *Client) Unread() ([]Message, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	var msgs []Message
	err := c.doRequest(http.MethodGet, "/api/messages/"+url.PathEscape(c.AgentID)+"/unread", nil, &msgs, false)
	return msgs, err
}

// MarkRead marks messages from one sender as read; an empty from marks
// everything.
func (c *Client) MarkRead(from string) (int, error) {
	if err := c.requireAgent(); err != nil {
		return 0, err
	}
	var resp struct {
		Marked int `json:"marked"`
	}
	req := map[string]string{"to": c.AgentID, "from": from}
	err := c.doRequest(http.MethodPost, "/api/messages/read", req, &resp, false)
	return resp.Marked, err
}

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	Peer        string `json:"peer,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	LastFrom    string `json:"last_from,omitempty"`
	LastTime    int64  `json:"last_time,omitempty"`
	Unread      int    `json:"unread"`
}

// Conversations holds the client agent's direct chats and groups.
type Conversations struct {
	Chats  []ConversationSummary `json:"chats"`
	Groups []ConversationSummary `json:"groups"`
}

// Conversations lists the client agent's chats, most recent first.
func (c *Client) Conversations() (*Conversations, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	var convs Conversations
	err := c.doRequest(http.MethodGet, "/api/conversations/"+url.PathEscape(c.AgentID), nil, &convs, false)
	if err != nil {
		return nil, err
	}
	return &convs, nil
}

// Group is a named set of agents sharing one conversation.
type Group struct {
	GroupID string   `json:"group_id"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Members []string `json:"members"`
}

// CreateGroup creates a group owned by the client agent.
func (c *Client) CreateGroup(name string, members []string) (*Group, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	req := map[string]any{"name": name, "owner": c.AgentID, "members": members}
	var g Group
	if err := c.doRequest(http.MethodPost, "/api/groups", req, &g, false); err != nil {
		return nil, err
	}
	return &g, nil
}

// SendGroup posts a message to a group.
func (c *Client) SendGroup(groupID, content string) (*Message, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	req := map[string]string{"from": c.AgentID, "content": content}
	var msg Message
	if err := c.doRequest(http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/messages", req, &msg, false); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GroupHistory returns up to limit recent group messages, oldest first.
func (c *Client) GroupHistory(groupID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/api/groups/%s/messages?limit=%d", url.PathEscape(groupID), limit)
	var msgs []Message
	err := c.doRequest(http.MethodGet, path, nil, &msgs, false)
	return msgs, err
}

// Task is a unit of delegated work.
type Task struct {
	TaskID      string          `json:"task_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	InputData   json.RawMessage `json:"input_data"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	OutputData  json.RawMessage `json:"output_data,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// DelegateRequest describes a task to hand to another agent.
type DelegateRequest struct {
	To          string `json:"to"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	InputData   any    `json:"inputData,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Delegate hands a task from the client agent to another.
func (c *Client) Delegate(req DelegateRequest) (*Task, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	body := struct {
		From string `json:"from"`
		DelegateRequest
	}{c.AgentID, req}

	var t Task
	if err := c.doRequest(http.MethodPost, "/api/tasks", body, &t, false); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(id string) (*Task, error) {
	var t Task
	if err := c.doRequest(http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t, false); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) taskAction(id, action string, req map[string]any) (*Task, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	req["by"] = c.AgentID
	var t Task
	if err := c.doRequest(http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+action, req, &t, false); err != nil {
		return nil, err
	}
	return &t, nil
}

// AcceptTask accepts a task addressed to the client agent.
func (c *Client) AcceptTask(id string) (*Task, error) {
	return c.taskAction(id, "accept", map[string]any{})
}

// CompleteTask completes an accepted task with output.
func (c *Client) CompleteTask(id string, output any) (*Task, error) {
	return c.taskAction(id, "complete", map[string]any{"outputData": output})
}

// RejectTask declines a pending task.
func (c *Client) RejectTask(id, reason string) (*Task, error) {
	return c.taskAction(id, "reject", map[string]any{"reason": reason})
}

// ReceivedTasks lists tasks addressed to the client agent, newest first.
func (c *Client) ReceivedTasks() ([]Task, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	var tasks []Task
	err := c.doRequest(http.MethodGet, "/api/tasks/received/"+url.PathEscape(c.AgentID), nil, &tasks, false)
	return tasks, err
}

// SentTasks lists tasks the client agent delegated, newest first.
func (c *Client) SentTasks() ([]Task, error) {
	if err := c.requireAgent(); err != nil {
		return nil, err
	}
	var tasks []Task
	err := c.doRequest(http.MethodGet, "/api/tasks/sent/"+url.PathEscape(c.AgentID), nil, &tasks, false)
	return tasks, err
}

// Stats returns the portal statistics.
func (c *Client) Stats() (map[string]any, error) {
	var stats map[string]any
	err := c.doRequest(http.MethodGet, "/api/portal/stats", nil, &stats, false)
	return stats, err
}

// Health reports server health. The health endpoint is not enveloped, so
// it bypasses doRequest.
func (c *Client) Health() (map[string]any, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return health, &APIError{Status: resp.StatusCode, Message: fmt.Sprint(health["status"])}
	}
	return health, nil
}
