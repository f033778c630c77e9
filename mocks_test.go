package gatekeeper

import (
	"sync"
	"time"

	"github.com/maxbolgarin/logze"
	"github.com/stretchr/testify/mock"
	tele "gopkg.in/telebot.v4"
)

func testLogger() logze.Logger {
	return logze.New(logze.C())
}

// MockPlatform is a mock implementation of the platform interface using
// testify/mock. It keeps its own call counters so tests can poll them from
// another goroutine while expiry callbacks are still running.
type MockPlatform struct {
	mock.Mock

	mu     sync.Mutex
	counts map[string]int
}

func (m *MockPlatform) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[method]++
}

func (m *MockPlatform) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

func (m *MockPlatform) SendChallenge(chatID int64, text string, kb *tele.ReplyMarkup) (int, error) {
	m.record("SendChallenge")
	args := m.Called(chatID, text, kb)
	return args.Int(0), args.Error(1)
}

func (m *MockPlatform) Notify(chatID int64, text string) error {
	m.record("Notify")
	args := m.Called(chatID, text)
	return args.Error(0)
}

func (m *MockPlatform) DeleteMessage(chatID int64, messageID int) error {
	m.record("DeleteMessage")
	args := m.Called(chatID, messageID)
	return args.Error(0)
}

func (m *MockPlatform) RestrictPosting(chatID, userID int64, allowed bool) error {
	if allowed {
		m.record("RestrictPosting:unmute")
	} else {
		m.record("RestrictPosting:mute")
	}
	args := m.Called(chatID, userID, allowed)
	return args.Error(0)
}

func (m *MockPlatform) KickMember(chatID, userID int64) error {
	m.record("KickMember")
	args := m.Called(chatID, userID)
	return args.Error(0)
}

func (m *MockPlatform) Acknowledge(cb *tele.Callback, text string, alert bool) error {
	m.record("Acknowledge")
	args := m.Called(cb, text, alert)
	return args.Error(0)
}

// manualClock is a Clock driven by tests.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward and fires due timers synchronously.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := make([]*manualTimer, 0)
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}
