package memstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the default filesystem-backed implementation of the keyed memory
// store. One mutex per logical bucket (threads, persistent, channels,
// intervention, tracker) keeps unrelated writers from serializing on each
// other while still giving each read-modify-write sequence exclusivity
// against writers of the same bucket.
type Store struct {
	root string

	threadsMu      sync.Mutex
	persistentMu   sync.Mutex
	channelsMu     sync.Mutex
	interventionMu sync.Mutex
	trackerMu      sync.Mutex

	index        TokenIndex
	indexCounter func(string) int
}

// TokenIndex accelerates CountPendingTokens/CountJudgedPlusPendingTokens with
// an indexed aggregate query instead of a full JSON scan. Implemented by
// internal/memstore/sqlite (embedded, self-migrating) and internal/memstore/pg
// (for a shared multi-instance deployment); neither is enabled by default
// (token_index_backend "none"). Store works correctly
// with no index configured; SetTokenIndex is a pure optimization.
type TokenIndex interface {
	Upsert(channelID, bucket, ts string, tokens int) error
	Delete(channelID, bucket, ts string) error
	Sum(channelID, bucket string) (int, error)
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir}, nil
}

// SetTokenIndex attaches idx as the store's token-count accelerator. counter
// computes a message's token count the same way the caller's
// internal/tokencount.Counter would; Store has no dependency on that package
// so the function is passed in rather than a concrete type.
func (s *Store) SetTokenIndex(idx TokenIndex, counter func(string) int) {
	s.index = idx
	s.indexCounter = counter
}

func (s *Store) indexUpsert(channelID, bucket string, m ChannelMessage) {
	if s.index == nil {
		return
	}
	_ = s.index.Upsert(channelID, bucket, m.TS, s.indexCounter(m.Text))
}

func (s *Store) indexDeleteBucket(channelID, bucket string, msgs []ChannelMessage) {
	if s.index == nil {
		return
	}
	for _, m := range msgs {
		_ = s.index.Delete(channelID, bucket, m.TS)
	}
}

func (s *Store) threadDir(threadTS string) string {
	return filepath.Join(s.root, "threads", sanitize(threadTS))
}

func (s *Store) channelDir(channelID string) string {
	return filepath.Join(s.root, "channels", sanitize(channelID))
}

func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(id)
}

// --- threads / observational memory --------------------------------------

// GetRecord loads a thread's MemoryRecord, migrating a legacy Markdown file
// if present and no JSON record exists yet.
func (s *Store) GetRecord(threadTS string) (MemoryRecord, error) {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()

	path := filepath.Join(s.threadDir(threadTS), "record.json")
	var rec MemoryRecord
	if !exists(path) {
		if migrated, ok := s.migrateLegacyRecord(threadTS); ok {
			rec = migrated
			if err := writeJSON(path, &rec); err != nil {
				return rec, err
			}
			return rec, nil
		}
	}
	if err := readJSON(path, &rec); err != nil {
		return rec, err
	}
	if rec.ThreadTS == "" {
		rec.ThreadTS = threadTS
	}
	return rec, nil
}

// SaveRecord persists a thread's MemoryRecord.
func (s *Store) SaveRecord(rec MemoryRecord) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	return writeJSON(filepath.Join(s.threadDir(rec.ThreadTS), "record.json"), &rec)
}

// migrateLegacyRecord converts a legacy `<thread>.md` observation file into
// a MemoryRecord, then deletes the source file. Returns ok=false if no
// legacy file exists.
func (s *Store) migrateLegacyRecord(threadTS string) (MemoryRecord, bool) {
	legacyPath := filepath.Join(s.root, "threads", sanitize(threadTS)+".md")
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return MemoryRecord{}, false
	}
	rec := MemoryRecord{ThreadTS: threadTS}
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec.Observations = append(rec.Observations, Observation{
			ID:        fmt.Sprintf("migrated-%d", i),
			Priority:  PriorityLow,
			Content:   line,
			CreatedAt: time.Now(),
			Source:    SourceMigrated,
		})
	}
	os.Remove(legacyPath)
	return rec, true
}

// AppendCandidates appends candidates to a thread's candidate queue.
func (s *Store) AppendCandidates(threadTS string, cands []Candidate) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()

	path := filepath.Join(s.threadDir(threadTS), "candidates.json")
	var existing []Candidate
	if err := readJSON(path, &existing); err != nil {
		return err
	}
	existing = append(existing, cands...)
	return writeJSON(path, &existing)
}

// LoadAllCandidates returns every thread's pending candidates, keyed by
// thread_ts, by walking the threads directory.
func (s *Store) LoadAllCandidates() (map[string][]Candidate, error) {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()

	out := make(map[string][]Candidate)
	base := filepath.Join(s.root, "threads")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var cands []Candidate
		if err := readJSON(filepath.Join(base, e.Name(), "candidates.json"), &cands); err != nil {
			return out, err
		}
		if len(cands) > 0 {
			out[e.Name()] = cands
		}
	}
	return out, nil
}

// ClearCandidates empties a thread's candidate queue.
func (s *Store) ClearCandidates(threadTS string) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	empty := []Candidate{}
	return writeJSON(filepath.Join(s.threadDir(threadTS), "candidates.json"), &empty)
}

// ClearAllCandidates empties every thread's candidate queue — used by the
// Promoter's strict at-least-one-opportunity policy after a promotion pass.
func (s *Store) ClearAllCandidates() error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()

	base := filepath.Join(s.root, "threads")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	empty := []Candidate{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := writeJSON(filepath.Join(base, e.Name(), "candidates.json"), &empty); err != nil {
			return err
		}
	}
	return nil
}

// --- persistent memory -----------------------------------------------------

// GetPersistent loads the cross-session persistent memory content and meta.
func (s *Store) GetPersistent() ([]PersistentContentItem, PersistentMeta, error) {
	s.persistentMu.Lock()
	defer s.persistentMu.Unlock()

	var content []PersistentContentItem
	var meta PersistentMeta
	if err := readJSON(filepath.Join(s.root, "persistent", "content.json"), &content); err != nil {
		return nil, meta, err
	}
	if err := readJSON(filepath.Join(s.root, "persistent", "meta.json"), &meta); err != nil {
		return content, meta, err
	}
	return content, meta, nil
}

// SavePersistent writes new persistent content/meta, first archiving the
// prior content (if any) under persistent/archive/<unix-nano>.json.
func (s *Store) SavePersistent(content []PersistentContentItem, meta PersistentMeta, now time.Time) error {
	s.persistentMu.Lock()
	defer s.persistentMu.Unlock()

	contentPath := filepath.Join(s.root, "persistent", "content.json")
	if exists(contentPath) {
		var prior []PersistentContentItem
		if err := readJSON(contentPath, &prior); err != nil {
			return err
		}
		archivePath := filepath.Join(s.root, "persistent", "archive", fmt.Sprintf("%d.json", now.UnixNano()))
		if err := writeJSON(archivePath, &prior); err != nil {
			return err
		}
	}
	if err := writeJSON(contentPath, &content); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.root, "persistent", "meta.json"), &meta)
}

// --- channel buffers --------------------------------------------------------

// LoadPending returns a channel's pending (unjudged) messages.
func (s *Store) LoadPending(channelID string) ([]ChannelMessage, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	var msgs []ChannelMessage
	err := readJSON(filepath.Join(s.channelDir(channelID), "pending.json"), &msgs)
	return msgs, err
}

// AppendPending appends msg to a channel's pending queue, rejecting
// duplicate ts values (dedup invariant across pending/judged/thread_buffers).
func (s *Store) AppendPending(channelID string, msg ChannelMessage) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	path := filepath.Join(s.channelDir(channelID), "pending.json")
	var pending []ChannelMessage
	if err := readJSON(path, &pending); err != nil {
		return err
	}
	if s.tsKnownLocked(channelID, msg.TS, pending) {
		return nil
	}
	pending = append(pending, msg)
	if err := writeJSON(path, &pending); err != nil {
		return err
	}
	s.indexUpsert(channelID, "pending", msg)
	return nil
}

// tsKnownLocked checks whether ts already appears in pending, judged, or any
// thread buffer for channelID. Callers must hold channelsMu.
func (s *Store) tsKnownLocked(channelID, ts string, pending []ChannelMessage) bool {
	for _, m := range pending {
		if m.TS == ts {
			return true
		}
	}
	var judged []ChannelMessage
	readJSON(filepath.Join(s.channelDir(channelID), "judged.json"), &judged)
	for _, m := range judged {
		if m.TS == ts {
			return true
		}
	}
	buffers, _ := s.loadAllThreadBuffersLocked(channelID)
	for _, msgs := range buffers {
		for _, m := range msgs {
			if m.TS == ts {
				return true
			}
		}
	}
	return false
}

// LoadJudged returns a channel's already-judged messages.
func (s *Store) LoadJudged(channelID string) ([]ChannelMessage, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	var msgs []ChannelMessage
	err := readJSON(filepath.Join(s.channelDir(channelID), "judged.json"), &msgs)
	return msgs, err
}

// AppendJudged appends msgs to a channel's judged list.
func (s *Store) AppendJudged(channelID string, msgs []ChannelMessage) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	path := filepath.Join(s.channelDir(channelID), "judged.json")
	var judged []ChannelMessage
	if err := readJSON(path, &judged); err != nil {
		return err
	}
	judged = append(judged, msgs...)
	if err := writeJSON(path, &judged); err != nil {
		return err
	}
	for _, m := range msgs {
		s.indexUpsert(channelID, "judged", m)
	}
	return nil
}

// ClearJudged empties a channel's judged buffer, used once its content has
// been folded into the rolling digest.
func (s *Store) ClearJudged(channelID string) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	var prior []ChannelMessage
	readJSON(filepath.Join(s.channelDir(channelID), "judged.json"), &prior)
	empty := []ChannelMessage{}
	if err := writeJSON(filepath.Join(s.channelDir(channelID), "judged.json"), &empty); err != nil {
		return err
	}
	s.indexDeleteBucket(channelID, "judged", prior)
	return nil
}

// MoveSnapshotToJudged moves exactly the subset of pending identified by
// pendingTS (and the thread buffer roots identified by threadRootTS) into
// judged, leaving anything that arrived afterwards untouched in pending.
// This is the sole mechanism for advancing the pipeline without double
// processing or dropping concurrently-arriving messages.
func (s *Store) MoveSnapshotToJudged(channelID string, pendingTS map[string]bool, threadRootTS map[string]bool) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	pendingPath := filepath.Join(s.channelDir(channelID), "pending.json")
	var pending []ChannelMessage
	if err := readJSON(pendingPath, &pending); err != nil {
		return err
	}

	var moved, kept []ChannelMessage
	for _, m := range pending {
		if pendingTS[m.TS] {
			moved = append(moved, m)
		} else {
			kept = append(kept, m)
		}
	}

	if len(moved) > 0 {
		judgedPath := filepath.Join(s.channelDir(channelID), "judged.json")
		var judged []ChannelMessage
		if err := readJSON(judgedPath, &judged); err != nil {
			return err
		}
		judged = append(judged, moved...)
		if err := writeJSON(judgedPath, &judged); err != nil {
			return err
		}
		for _, m := range moved {
			s.indexUpsert(channelID, "judged", m)
		}
	}
	if err := writeJSON(pendingPath, &kept); err != nil {
		return err
	}
	s.indexDeleteBucket(channelID, "pending", moved)

	if len(threadRootTS) > 0 {
		buffers, err := s.loadAllThreadBuffersLocked(channelID)
		if err != nil {
			return err
		}
		judgedPath := filepath.Join(s.channelDir(channelID), "judged.json")
		var judged []ChannelMessage
		if err := readJSON(judgedPath, &judged); err != nil {
			return err
		}
		for root := range threadRootTS {
			judged = append(judged, buffers[root]...)
		}
		if err := writeJSON(judgedPath, &judged); err != nil {
			return err
		}
		for root := range threadRootTS {
			if _, ok := buffers[root]; ok {
				for _, m := range buffers[root] {
					s.indexUpsert(channelID, "judged", m)
				}
				delete(buffers, root)
				if err := os.Remove(filepath.Join(s.channelDir(channelID), "threads", sanitize(root)+".json")); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
		}
	}
	return nil
}

// LoadAllThreadBuffers returns every within-channel thread's buffered
// messages, keyed by the thread's anchor ts.
func (s *Store) LoadAllThreadBuffers(channelID string) (map[string][]ChannelMessage, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return s.loadAllThreadBuffersLocked(channelID)
}

func (s *Store) loadAllThreadBuffersLocked(channelID string) (map[string][]ChannelMessage, error) {
	out := make(map[string][]ChannelMessage)
	base := filepath.Join(s.channelDir(channelID), "threads")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var msgs []ChannelMessage
		if err := readJSON(filepath.Join(base, e.Name()), &msgs); err != nil {
			return out, err
		}
		root := strings.TrimSuffix(e.Name(), ".json")
		out[root] = msgs
	}
	return out, nil
}

// AppendThreadMessage appends msg to the within-channel thread buffer rooted
// at rootTS, rejecting duplicate ts.
func (s *Store) AppendThreadMessage(channelID, rootTS string, msg ChannelMessage) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()

	path := filepath.Join(s.channelDir(channelID), "threads", sanitize(rootTS)+".json")
	var msgs []ChannelMessage
	if err := readJSON(path, &msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.TS == msg.TS {
			return nil
		}
	}
	msgs = append(msgs, msg)
	return writeJSON(path, &msgs)
}

// SaveDigest persists a channel's rolling digest.
func (s *Store) SaveDigest(channelID string, d Digest) error {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return writeJSON(filepath.Join(s.channelDir(channelID), "digest.json"), &d)
}

// GetDigest loads a channel's rolling digest.
func (s *Store) GetDigest(channelID string) (Digest, error) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	var d Digest
	err := readJSON(filepath.Join(s.channelDir(channelID), "digest.json"), &d)
	return d, err
}

// CountPendingTokens sums counter.Count over a channel's pending text. Uses
// the indexed Sum when a TokenIndex is configured, falling back to a full
// scan of pending.json otherwise.
func (s *Store) CountPendingTokens(channelID string, counter func(string) int) (int, error) {
	if s.index != nil {
		if n, err := s.index.Sum(channelID, "pending"); err == nil {
			return n, nil
		}
	}
	pending, err := s.LoadPending(channelID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range pending {
		total += counter(m.Text)
	}
	return total, nil
}

// CountJudgedPlusPendingTokens sums counter.Count over a channel's judged
// and pending text combined.
func (s *Store) CountJudgedPlusPendingTokens(channelID string, counter func(string) int) (int, error) {
	if s.index != nil {
		pendingSum, pErr := s.index.Sum(channelID, "pending")
		judgedSum, jErr := s.index.Sum(channelID, "judged")
		if pErr == nil && jErr == nil {
			return pendingSum + judgedSum, nil
		}
	}
	pending, err := s.LoadPending(channelID)
	if err != nil {
		return 0, err
	}
	judged, err := s.LoadJudged(channelID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range pending {
		total += counter(m.Text)
	}
	for _, m := range judged {
		total += counter(m.Text)
	}
	return total, nil
}

// --- intervention history ----------------------------------------------------

// interventionRetention is how far back InterventionHistory entries are kept;
// anything older is pruned whenever the history is written.
const interventionRetention = 2 * time.Hour

// LoadIntervention returns a channel's intervention history, pruned to the
// retention window as of now.
func (s *Store) LoadIntervention(channelID string, now time.Time) ([]InterventionEntry, error) {
	s.interventionMu.Lock()
	defer s.interventionMu.Unlock()

	path := filepath.Join(s.root, "intervention", sanitize(channelID)+".json")
	var entries []InterventionEntry
	if err := readJSON(path, &entries); err != nil {
		return nil, err
	}
	return pruneIntervention(entries, now), nil
}

// RecordIntervention appends one intervention entry and prunes stale ones.
func (s *Store) RecordIntervention(channelID string, entry InterventionEntry, now time.Time) error {
	s.interventionMu.Lock()
	defer s.interventionMu.Unlock()

	path := filepath.Join(s.root, "intervention", sanitize(channelID)+".json")
	var entries []InterventionEntry
	if err := readJSON(path, &entries); err != nil {
		return err
	}
	entries = append(pruneIntervention(entries, now), entry)
	return writeJSON(path, &entries)
}

func pruneIntervention(entries []InterventionEntry, now time.Time) []InterventionEntry {
	cutoff := now.Add(-interventionRetention)
	out := entries[:0:0]
	for _, e := range entries {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// --- tracker -----------------------------------------------------------------

// GetTrackedCards returns every currently tracked card.
func (s *Store) GetTrackedCards() (map[string]TrackedCard, error) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	cards := make(map[string]TrackedCard)
	err := readJSON(filepath.Join(s.root, "tracker", "tracked_cards.json"), &cards)
	return cards, err
}

func (s *Store) saveTrackedCardsLocked(cards map[string]TrackedCard) error {
	return writeJSON(filepath.Join(s.root, "tracker", "tracked_cards.json"), &cards)
}

// TrackCard registers a TrackedCard, enforcing at most one per card_id.
func (s *Store) TrackCard(card TrackedCard) error {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	cards := make(map[string]TrackedCard)
	if err := readJSON(filepath.Join(s.root, "tracker", "tracked_cards.json"), &cards); err != nil {
		return err
	}
	cards[card.CardID] = card
	return s.saveTrackedCardsLocked(cards)
}

// UntrackCard removes a card's tracked entry.
func (s *Store) UntrackCard(cardID string) error {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	cards := make(map[string]TrackedCard)
	if err := readJSON(filepath.Join(s.root, "tracker", "tracked_cards.json"), &cards); err != nil {
		return err
	}
	delete(cards, cardID)
	return s.saveTrackedCardsLocked(cards)
}

// ReclaimStale untracks cards older than threshold as of now, returning the
// reclaimed card IDs.
func (s *Store) ReclaimStale(threshold time.Duration, now time.Time) ([]string, error) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	cards := make(map[string]TrackedCard)
	if err := readJSON(filepath.Join(s.root, "tracker", "tracked_cards.json"), &cards); err != nil {
		return nil, err
	}
	var reclaimed []string
	for id, c := range cards {
		if now.Sub(c.DetectedAt) > threshold {
			reclaimed = append(reclaimed, id)
			delete(cards, id)
		}
	}
	sort.Strings(reclaimed)
	if len(reclaimed) > 0 {
		if err := s.saveTrackedCardsLocked(cards); err != nil {
			return nil, err
		}
	}
	return reclaimed, nil
}

// GetThreadCards returns the persistent thread_ts -> card resume mapping.
func (s *Store) GetThreadCards() (map[string]ThreadCardInfo, error) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	infos := make(map[string]ThreadCardInfo)
	err := readJSON(filepath.Join(s.root, "tracker", "thread_cards.json"), &infos)
	return infos, err
}

// SetThreadCard records a thread_ts -> card mapping for reaction-based
// resume.
func (s *Store) SetThreadCard(info ThreadCardInfo) error {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	infos := make(map[string]ThreadCardInfo)
	if err := readJSON(filepath.Join(s.root, "tracker", "thread_cards.json"), &infos); err != nil {
		return err
	}
	infos[info.ThreadTS] = info
	return writeJSON(filepath.Join(s.root, "tracker", "thread_cards.json"), &infos)
}

// GetListRunSessions returns every known ListRunSession, keyed by session_id.
func (s *Store) GetListRunSessions() (map[string]ListRunSession, error) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	sessions := make(map[string]ListRunSession)
	err := readJSON(filepath.Join(s.root, "tracker", "list_run_sessions.json"), &sessions)
	return sessions, err
}

// SaveListRunSession upserts one ListRunSession.
func (s *Store) SaveListRunSession(session ListRunSession) error {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	sessions := make(map[string]ListRunSession)
	if err := readJSON(filepath.Join(s.root, "tracker", "list_run_sessions.json"), &sessions); err != nil {
		return err
	}
	sessions[session.SessionID] = session
	return writeJSON(filepath.Join(s.root, "tracker", "list_run_sessions.json"), &sessions)
}
