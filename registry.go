package gatekeeper

import (
	"sync"
	"time"
)

// Outcome is the terminal result of a verification.
// A verification starts as pending and becomes passed or failed exactly once.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomePassed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// verificationKey identifies a verification. The same user may be pending in
// two allow-listed chats at once, so chat id is part of the key.
type verificationKey struct {
	UserID int64
	ChatID int64
}

// Verification is a single pending captcha for a (user, chat) pair.
type Verification struct {
	UserID    int64
	ChatID    int64
	Answer    int
	MessageID int
	CreatedAt time.Time
	Outcome   Outcome
}

const registryShards = 16

// registry is the authoritative store of pending verifications.
//
// Create is an insert-if-absent and Resolve is a claim-and-remove, both atomic
// per key. Two concurrent Resolve calls for the same key (timeout firing vs.
// a correct answer) cannot both win, which is what makes every side effect of
// a terminal transition happen exactly once. Entries are removed the moment
// they become terminal, so the registry never holds resolved verifications.
//
// The store is sharded by key so unrelated users never contend on one lock.
type registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[verificationKey]*Verification
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[verificationKey]*Verification)
	}
	return r
}

func (r *registry) shard(key verificationKey) *registryShard {
	h := uint64(key.UserID)*0x9e3779b97f4a7c15 ^ uint64(key.ChatID)
	return &r.shards[h%registryShards]
}

// Create inserts a new pending verification and reports whether it was
// inserted. It returns false without touching the store if the key is already
// pending, which is the dedup guard for join races and rejoins.
func (r *registry) Create(userID, chatID int64, answer int, now time.Time) bool {
	key := verificationKey{UserID: userID, ChatID: chatID}
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false
	}
	s.entries[key] = &Verification{
		UserID:    userID,
		ChatID:    chatID,
		Answer:    answer,
		CreatedAt: now,
		Outcome:   OutcomePending,
	}
	return true
}

// Get returns a copy of the pending verification for the key, if any.
func (r *registry) Get(userID, chatID int64) (Verification, bool) {
	key := verificationKey{UserID: userID, ChatID: chatID}
	s := r.shard(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[key]
	if !ok {
		return Verification{}, false
	}
	return *v, true
}

// SetChallengeMessage records the id of the sent challenge message so it can
// be deleted on resolve. It is a no-op if the verification is already gone.
func (r *registry) SetChallengeMessage(userID, chatID int64, messageID int) bool {
	key := verificationKey{UserID: userID, ChatID: chatID}
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		return false
	}
	v.MessageID = messageID
	return true
}

// Resolve transitions the verification to a terminal outcome and removes it,
// returning the removed entry. It returns false if nothing is pending for the
// key: the caller lost the race (or the entry never existed) and must not
// perform any side effects.
func (r *registry) Resolve(userID, chatID int64, outcome Outcome) (Verification, bool) {
	key := verificationKey{UserID: userID, ChatID: chatID}
	s := r.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		return Verification{}, false
	}
	delete(s.entries, key)

	out := *v
	out.Outcome = outcome
	return out, true
}

// Len returns the number of pending verifications across all shards.
func (r *registry) Len() int {
	var n int
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].entries)
		r.shards[i].mu.RUnlock()
	}
	return n
}
