package gatekeeper

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

const (
	testChatID  int64 = 100
	otherChatID int64 = 999
	testUserID  int64 = 7
	testMsgID         = 555
)

var errPlatformDown = errm.New("platform down")

func newTestGatekeeper(t *testing.T) (*Gatekeeper, *MockPlatform, *manualClock) {
	t.Helper()

	cfg := Config{
		Token: "test-token",
		Chats: []int64{testChatID},
	}
	require.NoError(t, cfg.prepareAndValidate())

	api := &MockPlatform{}
	clock := newManualClock()

	g, err := newGatekeeper(cfg, api, clock, newMetrics(MetricsConfig{}), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(g.Stop)

	return g, api, clock
}

func testUser() *tele.User {
	return &tele.User{ID: testUserID, FirstName: "Alice"}
}

func expectJoin(api *MockPlatform) {
	api.On("RestrictPosting", testChatID, testUserID, false).Return(nil).Once()
	api.On("SendChallenge", testChatID, mock.Anything, mock.Anything).Return(testMsgID, nil).Once()
}

// join challenges the test user and returns the expected answer.
func join(t *testing.T, g *Gatekeeper, api *MockPlatform) int {
	t.Helper()

	expectJoin(api)
	g.processJoin(testChatID, testUser())

	v, ok := g.registry.Get(testUserID, testChatID)
	require.True(t, ok)
	return v.Answer
}

func TestJoinMutesAndChallenges(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)

	assert.Equal(t, 1, g.PendingCount())
	assert.GreaterOrEqual(t, answer, 2)
	assert.LessOrEqual(t, answer, 18)

	v, ok := g.registry.Get(testUserID, testChatID)
	require.True(t, ok)
	assert.Equal(t, testMsgID, v.MessageID)
	assert.Equal(t, OutcomePending, v.Outcome)

	api.AssertExpectations(t)
}

func TestDuplicateJoinIgnored(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)

	// Rejoin before resolution: no new mute, challenge or timer.
	g.processJoin(testChatID, testUser())

	assert.Equal(t, 1, g.PendingCount())
	assert.Equal(t, 1, api.callCount("RestrictPosting:mute"))
	assert.Equal(t, 1, api.callCount("SendChallenge"))

	v, ok := g.registry.Get(testUserID, testChatID)
	require.True(t, ok)
	assert.Equal(t, answer, v.Answer, "original challenge must survive a rejoin")
}

func TestJoinDisallowedChatIgnored(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	g.processJoin(otherChatID, testUser())

	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 0, api.callCount("RestrictPosting:mute"))
	assert.Equal(t, 0, api.callCount("SendChallenge"))
}

func TestCorrectAnswerRestores(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("RestrictPosting", testChatID, testUserID, true).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()
	api.On("Acknowledge", cb, respCorrect, false).Return(nil).Once()

	err := g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer))
	require.NoError(t, err)

	assert.Equal(t, 0, g.PendingCount())
	api.AssertExpectations(t)
}

func TestWrongAnswerKeepsPending(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("Acknowledge", cb, respWrong, true).Return(nil).Once()

	err := g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer+1))
	require.NoError(t, err)

	assert.Equal(t, 1, g.PendingCount(), "wrong answer must not resolve")
	assert.Equal(t, 0, api.callCount("RestrictPosting:unmute"))
	assert.Equal(t, 0, api.callCount("KickMember"))

	// The user may retry with the right option.
	api.On("RestrictPosting", testChatID, testUserID, true).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()
	api.On("Acknowledge", cb, respCorrect, false).Return(nil).Once()

	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer)))
	assert.Equal(t, 0, g.PendingCount())
	api.AssertExpectations(t)
}

func TestMalformedAnswerPayload(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("Acknowledge", cb, respAlreadyResolved, false).Return(nil).Once()

	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, "not-a-number"))
	assert.Equal(t, 1, g.PendingCount(), "malformed payload must not resolve")
}

func TestTimeoutKicks(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	join(t, g, api)

	api.On("KickMember", testChatID, testUserID).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()

	g.expire(testUserID, testChatID, "Alice")

	assert.Equal(t, 0, g.PendingCount())
	api.AssertExpectations(t)

	// A stale press after the kick gets a neutral notice.
	cb := &tele.Callback{Sender: testUser()}
	api.On("Acknowledge", cb, respAlreadyFailed, false).Return(nil).Once()
	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, "5"))
	assert.Equal(t, 0, api.callCount("RestrictPosting:unmute"))
}

func TestTimeoutViaSupervisor(t *testing.T) {
	g, api, clock := newTestGatekeeper(t)

	join(t, g, api)

	api.On("KickMember", testChatID, testUserID).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()

	clock.Advance(59 * time.Second)
	assert.Equal(t, 1, g.PendingCount(), "deadline is 60s by default")

	clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		return g.PendingCount() == 0 && api.callCount("Notify") == 1
	}, time.Second, time.Millisecond)
}

func TestTimerNoopAfterPass(t *testing.T) {
	g, api, clock := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("RestrictPosting", testChatID, testUserID, true).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()
	api.On("Acknowledge", cb, respCorrect, false).Return(nil).Once()

	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer)))

	// The deadline still fires but must not kick an already-passed user.
	clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, api.callCount("KickMember"))
}

func TestStaleAnswerAfterPass(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("RestrictPosting", testChatID, testUserID, true).Return(nil).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Once()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Once()
	api.On("Acknowledge", cb, respCorrect, false).Return(nil).Once()

	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer)))

	// Duplicate tap on the already-resolved challenge.
	api.On("Acknowledge", cb, respAlreadyPassed, false).Return(nil).Once()
	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer)))

	assert.Equal(t, 1, api.callCount("RestrictPosting:unmute"))
	api.AssertExpectations(t)
}

func TestAnswerTimeoutRaceResolvesOnce(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("RestrictPosting", testChatID, testUserID, true).Return(nil).Maybe()
	api.On("KickMember", testChatID, testUserID).Return(nil).Maybe()
	api.On("DeleteMessage", testChatID, testMsgID).Return(nil).Maybe()
	api.On("Notify", testChatID, mock.Anything).Return(nil).Maybe()
	api.On("Acknowledge", cb, mock.Anything, mock.Anything).Return(nil).Maybe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.expire(testUserID, testChatID, "Alice")
	}()
	go func() {
		defer wg.Done()
		_ = g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer))
	}()
	wg.Wait()

	passed := api.callCount("RestrictPosting:unmute")
	failed := api.callCount("KickMember")
	assert.Equal(t, 1, passed+failed, "exactly one outcome must win, got passed=%d failed=%d", passed, failed)
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 1, api.callCount("DeleteMessage"))
	assert.Equal(t, 1, api.callCount("Notify"))
}

func TestMessageGateSuppressesPending(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	join(t, g, api)

	api.On("DeleteMessage", testChatID, 42).Return(nil).Once()

	upd := &tele.Update{Message: &tele.Message{
		ID:     42,
		Chat:   &tele.Chat{ID: testChatID},
		Sender: testUser(),
	}}
	assert.False(t, g.gateMiddleware(upd), "update from a pending user must be dropped")
	api.AssertExpectations(t)
}

func TestMessageGateIgnoresVerified(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	upd := &tele.Update{Message: &tele.Message{
		ID:     42,
		Chat:   &tele.Chat{ID: testChatID},
		Sender: &tele.User{ID: 12345},
	}}
	assert.True(t, g.gateMiddleware(upd))
	assert.Equal(t, 0, api.callCount("DeleteMessage"))
}

func TestMessageGatePassesJoinServiceMessage(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	join(t, g, api)

	upd := &tele.Update{Message: &tele.Message{
		ID:         43,
		Chat:       &tele.Chat{ID: testChatID},
		Sender:     testUser(),
		UserJoined: testUser(),
	}}
	assert.True(t, g.gateMiddleware(upd), "join service messages must reach the join handler")
	assert.Equal(t, 0, api.callCount("DeleteMessage"))
}

func TestAnswerDisallowedChatIgnored(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	cb := &tele.Callback{Sender: testUser()}
	require.NoError(t, g.processAnswer(cb, otherChatID, testUserID, "5"))
	assert.Equal(t, 0, api.callCount("Acknowledge"))
}

func TestPlatformFailuresDoNotBlockResolve(t *testing.T) {
	g, api, _ := newTestGatekeeper(t)

	answer := join(t, g, api)
	cb := &tele.Callback{Sender: testUser()}

	api.On("RestrictPosting", testChatID, testUserID, true).Return(errPlatformDown).Once()
	api.On("DeleteMessage", testChatID, testMsgID).Return(errPlatformDown).Once()
	api.On("Notify", testChatID, mock.Anything).Return(errPlatformDown).Once()
	api.On("Acknowledge", cb, respCorrect, false).Return(nil).Once()

	require.NoError(t, g.processAnswer(cb, testChatID, testUserID, strconv.Itoa(answer)))
	assert.Equal(t, 0, g.PendingCount(), "registry transition commits regardless of platform failures")
	api.AssertExpectations(t)
}

func TestIsJoinTransition(t *testing.T) {
	member := &tele.ChatMember{Role: tele.Member}
	left := &tele.ChatMember{Role: tele.Left}
	kicked := &tele.ChatMember{Role: tele.Kicked}

	assert.True(t, isJoinTransition(left, member))
	assert.True(t, isJoinTransition(kicked, member))
	assert.True(t, isJoinTransition(nil, member))
	assert.False(t, isJoinTransition(member, member))
	assert.False(t, isJoinTransition(member, left))
	assert.False(t, isJoinTransition(left, kicked))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Alice", displayName(&tele.User{FirstName: "Alice"}))
	assert.Equal(t, "Alice Smith", displayName(&tele.User{FirstName: "Alice", LastName: "Smith"}))
	assert.Equal(t, "bob", displayName(&tele.User{Username: "bob"}))
	assert.Equal(t, "42", displayName(&tele.User{ID: 42}))
}
