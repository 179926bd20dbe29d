package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopwire/conductor/internal/memstore"
)

// ListRunner owns ListRunSession bookkeeping: creating a chain over a
// tracker list's cards, advancing it card by card, and pause/resume for
// when a card fails or an operator intervenes.
type ListRunner struct {
	store *memstore.Store
	mu    sync.Mutex
	now   func() time.Time
}

func NewListRunner(store *memstore.Store) *ListRunner {
	return &ListRunner{store: store, now: time.Now}
}

// CreateSession starts a new pending ListRunSession over cardIDs.
func (r *ListRunner) CreateSession(listID, listName string, cardIDs []string) (memstore.ListRunSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := memstore.ListRunSession{
		SessionID:      uuid.NewString(),
		ListID:         listID,
		ListName:       listName,
		CardIDs:        cardIDs,
		Status:         memstore.ListRunPending,
		ProcessedCards: map[string]memstore.CardOutcome{},
		CreatedAt:      r.now(),
	}
	if err := r.store.SaveListRunSession(session); err != nil {
		return memstore.ListRunSession{}, err
	}
	return session, nil
}

// GetSession looks up one session by ID.
func (r *ListRunner) GetSession(sessionID string) (memstore.ListRunSession, bool, error) {
	sessions, err := r.store.GetListRunSessions()
	if err != nil {
		return memstore.ListRunSession{}, false, err
	}
	s, ok := sessions[sessionID]
	return s, ok, nil
}

// UpdateSessionStatus transitions a session's status.
func (r *ListRunner) UpdateSessionStatus(sessionID string, status memstore.ListRunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok, err := r.getLocked(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	session.Status = status
	return r.store.SaveListRunSession(session)
}

// ProcessNextCard returns the next unprocessed card_id from
// card_ids[current_index:], or ok=false if every card has an outcome.
func (r *ListRunner) ProcessNextCard(sessionID string) (cardID string, ok bool, err error) {
	session, found, err := r.GetSession(sessionID)
	if err != nil || !found {
		return "", false, err
	}
	for i := session.CurrentIndex; i < len(session.CardIDs); i++ {
		id := session.CardIDs[i]
		if _, processed := session.ProcessedCards[id]; !processed {
			return id, true, nil
		}
	}
	return "", false, nil
}

// MarkCardProcessed records a card's outcome and advances current_index.
func (r *ListRunner) MarkCardProcessed(sessionID, cardID string, outcome memstore.CardOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok, err := r.getLocked(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if session.ProcessedCards == nil {
		session.ProcessedCards = map[string]memstore.CardOutcome{}
	}
	session.ProcessedCards[cardID] = outcome
	session.CurrentIndex++
	return r.store.SaveListRunSession(session)
}

// PauseRun transitions session_id to Paused, recording reason, but only
// from a non-terminal state (not Completed/Failed).
func (r *ListRunner) PauseRun(sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok, err := r.getLocked(sessionID)
	if err != nil || !ok {
		return err
	}
	if session.Status == memstore.ListRunCompleted || session.Status == memstore.ListRunFailed {
		return nil
	}
	session.Status = memstore.ListRunPaused
	session.ErrorMessage = reason
	return r.store.SaveListRunSession(session)
}

// ResumeRun transitions a Paused session back to Running.
func (r *ListRunner) ResumeRun(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok, err := r.getLocked(sessionID)
	if err != nil || !ok {
		return err
	}
	if session.Status != memstore.ListRunPaused {
		return nil
	}
	session.Status = memstore.ListRunRunning
	session.ErrorMessage = ""
	return r.store.SaveListRunSession(session)
}

// GetPausedSessions returns every session currently paused.
func (r *ListRunner) GetPausedSessions() ([]memstore.ListRunSession, error) {
	return r.filterSessions(func(s memstore.ListRunSession) bool {
		return s.Status == memstore.ListRunPaused
	})
}

// GetActiveSessions returns sessions still doing work: Running or Paused.
func (r *ListRunner) GetActiveSessions() ([]memstore.ListRunSession, error) {
	return r.filterSessions(func(s memstore.ListRunSession) bool {
		return s.Status == memstore.ListRunRunning || s.Status == memstore.ListRunPaused
	})
}

// FindSessionByListName returns the most recently created active session
// over the named list, used by the watcher's duplicate-run guards.
func (r *ListRunner) FindSessionByListName(name string) (memstore.ListRunSession, bool, error) {
	active, err := r.GetActiveSessions()
	if err != nil {
		return memstore.ListRunSession{}, false, err
	}
	var best memstore.ListRunSession
	found := false
	for _, s := range active {
		if s.ListName != name {
			continue
		}
		if !found || s.CreatedAt.After(best.CreatedAt) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func (r *ListRunner) filterSessions(keep func(memstore.ListRunSession) bool) ([]memstore.ListRunSession, error) {
	sessions, err := r.store.GetListRunSessions()
	if err != nil {
		return nil, err
	}
	var out []memstore.ListRunSession
	for _, s := range sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *ListRunner) getLocked(sessionID string) (memstore.ListRunSession, bool, error) {
	sessions, err := r.store.GetListRunSessions()
	if err != nil {
		return memstore.ListRunSession{}, false, err
	}
	s, ok := sessions[sessionID]
	return s, ok, nil
}
