package sessionmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loopwire/conductor/internal/tokencount"
)

// Message is one chat-formatted turn kept in a session's history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role mirrors executor.Role (admin/viewer) without importing that package
// — sessionmgr sits below executor in the dependency order.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// SourceType records what triggered a session's creation, per spec's
// Session.source_type.
type SourceType string

const (
	SourceMention SourceType = "mention"
	SourceHybrid  SourceType = "hybrid"
	SourceTrello  SourceType = "trello"
)

// Session holds conversation history and bookkeeping for one agent+scope
// combination, identified by its composite Key (see BuildKey).
type Session struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`

	Role         Role       `json:"role,omitempty"`
	SourceType   SourceType `json:"sourceType,omitempty"`
	MessageCount int        `json:"messageCount,omitempty"`

	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`

	Label string `json:"label,omitempty"`

	ContextWindow    int `json:"contextWindow,omitempty"`
	LastPromptTokens int `json:"lastPromptTokens,omitempty"`
	LastMessageCount int `json:"lastMessageCount,omitempty"`

	// AgentSessionID is the underlying agent CLI's own session identifier,
	// threaded through agentrunner.Run's resume parameter so a follow-up
	// turn (including a popped PendingPrompt) continues the same
	// conversation instead of starting fresh.
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// Running tracks whether a run currently holds this session's lock, for
	// dashboard/status reporting; it is not itself synchronization.
	Running bool `json:"running,omitempty"`
}

// Manager owns session lifecycle, persistence, and the per-session
// re-entrant execution lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	storage  string
	locks    *lockRegistry
	counter  *tokencount.Counter
}

// NewManager creates a Manager persisting sessions as JSON files under
// storage. An empty storage path disables persistence (in-memory only,
// useful for tests).
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
		locks:    newLockRegistry(),
		counter:  tokencount.New(),
	}
	if storage != "" {
		os.MkdirAll(storage, 0o755)
		m.loadAll()
	}
	return m
}

// GetOrCreate returns the session for key, creating an empty one if absent.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

// Create ensures a session exists for key, stamping the identity fields
// (channel, first author, role, origin) the first time the session is seen
// — spec's create(thread_ts, channel_id, user_id?, username?, role?,
// source_type?). A session's origin is fixed at creation; later calls with
// a different role/sourceType leave the existing session untouched.
func (m *Manager) Create(key, channelID, userID, username string, role Role, sourceType SourceType) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.sessions[key]
	s := m.getLocked(key)
	if !existed {
		s.ChannelID = channelID
		s.UserID = userID
		s.Username = username
		s.Role = role
		s.SourceType = sourceType
	}
	return s
}

// AddMessage appends a message to the session's history and bumps Updated.
func (m *Manager) AddMessage(key string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getLocked(key)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
	s.LastMessageCount = len(s.Messages)
}

// GetHistory returns a copy of the session's message history.
func (m *Manager) GetHistory(key string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// GetSummary returns the session's rolling summary, if any.
func (m *Manager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

// SetSummary replaces the session's rolling summary.
func (m *Manager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	s.Summary = summary
	s.Updated = time.Now()
}

// UpdateMetadata mutates session fields not covered by a dedicated setter
// (e.g. Running, AgentSessionID) via fn.
func (m *Manager) UpdateMetadata(key string, fn func(s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.getLocked(key))
}

// SetAgentSessionID records the underlying agent CLI's own session ID,
// e.g. after a preemptive compact rotates it (internal/tracker).
func (m *Manager) SetAgentSessionID(key, agentSessionID string) {
	m.UpdateMetadata(key, func(s *Session) { s.AgentSessionID = agentSessionID })
}

// AccumulateTokens adds to the session's running input/output token totals.
func (m *Manager) AccumulateTokens(key string, input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	s.InputTokens += input
	s.OutputTokens += output
}

// IncrementMessageCount bumps the session's executed-turn counter and
// returns the new value (spec's increment_message_count).
func (m *Manager) IncrementMessageCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	s.MessageCount++
	return s.MessageCount
}

// EstimateTokens returns the tokencount estimate for the session's current
// history, caching it on LastPromptTokens.
func (m *Manager) EstimateTokens(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	msgs := make([]tokencount.Message, len(s.Messages))
	for i, msg := range s.Messages {
		msgs[i] = tokencount.Message{Role: msg.Role, Content: msg.Content}
	}
	n := m.counter.CountMessages(msgs)
	s.LastPromptTokens = n
	return n
}

// TruncateHistory drops the oldest messages, keeping at most keep entries.
func (m *Manager) TruncateHistory(key string, keep int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	if len(s.Messages) > keep {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-keep:]...)
	}
	s.LastMessageCount = len(s.Messages)
}

// Reset clears a session's history and summary in place, keeping metadata.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(key)
	s.Messages = nil
	s.Summary = ""
	s.Updated = time.Now()
}

// Delete removes a session entirely, including its on-disk file.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	if m.storage == "" {
		return nil
	}
	return os.Remove(filepath.Join(m.storage, sanitizeFilename(key)+".json"))
}

// List returns every known session key.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// LastUsedChannel inspects session keys to find which chat channel a user
// last interacted through, skipping non-interactive scopes (cron, subagent).
func (m *Manager) LastUsedChannel(agentID, peerID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best string
	var bestTime time.Time
	prefix := "agent:" + agentID + ":"
	for key, s := range m.sessions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if strings.HasPrefix(rest, "cron:") || strings.HasPrefix(rest, "subagent:") || strings.HasPrefix(rest, "heartbeat:") {
			continue
		}
		if !strings.Contains(rest, peerID) {
			continue
		}
		if s.Updated.After(bestTime) {
			parts := strings.SplitN(rest, ":", 2)
			best = parts[0]
			bestTime = s.Updated
		}
	}
	return best
}

// --- locking -----------------------------------------------------------

// Lock acquires the session's re-entrant execution lock under token,
// blocking until acquired or ctx is cancelled.
func (m *Manager) Lock(ctx context.Context, key, token string) bool {
	return m.locks.get(key).Lock(ctx, token)
}

// TryLock attempts a non-blocking acquire of the session's execution lock.
func (m *Manager) TryLock(key, token string) bool {
	return m.locks.get(key).TryLock(token)
}

// Unlock releases the session's execution lock held by token.
func (m *Manager) Unlock(key, token string) {
	m.locks.get(key).Unlock(token)
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.Running = m.locks.get(key).Locked()
	}
	m.mu.Unlock()
}

// IsRunning reports whether any run currently holds the session's lock.
func (m *Manager) IsRunning(key string) bool {
	return m.locks.get(key).Locked()
}

// RunningCount returns the number of sessions currently locked.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	n := 0
	for _, k := range keys {
		if m.IsRunning(k) {
			n++
		}
	}
	return n
}

// --- persistence ---------------------------------------------------------

func (m *Manager) getLocked(key string) *Session {
	s, ok := m.sessions[key]
	if !ok {
		now := time.Now()
		s = &Session{Key: key, Created: now, Updated: now}
		m.sessions[key] = s
	}
	return s
}

// Save snapshots the session under key to disk as JSON, writing via a
// temp-file-then-rename sequence so a crash mid-write never leaves a
// truncated session file behind.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *s
	snapshot.Messages = append([]Message(nil), s.Messages...)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return err
	}

	sessionPath := filepath.Join(m.storage, sanitizeFilename(key)+".json")
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
