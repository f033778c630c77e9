package gatekeeper

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maxbolgarin/logze"
	"github.com/maypok86/otter"
	tele "gopkg.in/telebot.v4"
)

const (
	// supervisorPoolSize bounds concurrently running expiry callbacks.
	supervisorPoolSize = 256

	// resolvedCacheCapacity and resolvedCacheTTL bound the memory of the
	// recently-resolved cache used to answer stale button presses.
	resolvedCacheCapacity = 10000
	resolvedCacheTTL      = time.Hour
)

// Options contains gatekeeper additional options.
type Options struct {
	// Logger is a logger. A console logze logger is used by default.
	Logger *logze.Logger

	// Metrics configures Prometheus metrics. Disabled by default.
	Metrics MetricsConfig

	// Poller is a poller for the bot. Long polling is used by default.
	// Provide a custom poller for testing.
	Poller tele.Poller

	// Clock is a time source for verification deadlines. Real time by
	// default. Provide a manual clock for testing.
	Clock Clock
}

// Gatekeeper is an anti-spam gate for group chats. Every new member of an
// allow-listed chat is muted and challenged with a timed arithmetic captcha:
// a correct answer restores posting rights, a timeout removes the member.
type Gatekeeper struct {
	cfg  Config
	api  platform
	base *baseBot

	registry   *registry
	supervisor *supervisor
	resolved   otter.Cache[verificationKey, Outcome]
	allowed    map[int64]struct{}

	metrics *metrics
	journal *journal
	clock   Clock
	log     logze.Logger
}

// New creates a gatekeeper bot from the config and registers its handlers.
// Call Start to begin polling. Shutdown hooks are added to ctx.
func New(ctx contem.Context, cfg Config, optsRaw ...Options) (*Gatekeeper, error) {
	opts := lang.First(optsRaw)

	if err := cfg.prepareAndValidate(); err != nil {
		return nil, errm.Wrap(err, "prepare and validate config")
	}

	log := logze.New(logze.C().WithConsole())
	if opts.Logger != nil {
		log = *opts.Logger
	}

	clock := Clock(realClock{})
	if opts.Clock != nil {
		clock = opts.Clock
	}

	jrnl, err := newJournal(ctx, cfg.Journal, log)
	if err != nil {
		return nil, errm.Wrap(err, "new journal")
	}

	base, err := newBaseBot(cfg.Token, cfg, log, opts.Poller)
	if err != nil {
		return nil, errm.Wrap(err, "new bot")
	}

	g, err := newGatekeeper(cfg, base, clock, newMetrics(opts.Metrics), jrnl, log)
	if err != nil {
		return nil, err
	}
	g.base = base

	base.addMiddleware(g.gateMiddleware)
	base.addMiddleware(g.logMiddleware)

	base.handle(tele.OnChatMember, g.handleChatMember)
	base.handle(tele.OnUserJoined, g.handleUserJoined)
	base.handle(&btnAnswer, g.handleAnswer)

	ctx.Add(func(context.Context) error {
		g.Stop()
		return nil
	})

	return g, nil
}

func newGatekeeper(cfg Config, api platform, clock Clock, m *metrics, j *journal, log logze.Logger) (*Gatekeeper, error) {
	sup, err := newSupervisor(supervisorPoolSize, clock, log)
	if err != nil {
		return nil, errm.Wrap(err, "new supervisor")
	}

	resolved, err := otter.MustBuilder[verificationKey, Outcome](resolvedCacheCapacity).
		WithTTL(resolvedCacheTTL).
		Build()
	if err != nil {
		return nil, errm.Wrap(err, "new resolved cache")
	}

	allowed := make(map[int64]struct{}, len(cfg.Chats))
	for _, chatID := range cfg.Chats {
		allowed[chatID] = struct{}{}
	}

	return &Gatekeeper{
		cfg:        cfg,
		api:        api,
		registry:   newRegistry(),
		supervisor: sup,
		resolved:   resolved,
		allowed:    allowed,
		metrics:    m,
		journal:    j,
		clock:      clock,
		log:        log,
	}, nil
}

// Start starts polling in a separate goroutine.
func (g *Gatekeeper) Start() {
	g.base.start()
}

// Stop stops polling and releases the timer pool.
func (g *Gatekeeper) Stop() {
	if g.base != nil {
		g.base.stop()
	}
	g.supervisor.Stop()
}

// Bot returns the underlying *tele.Bot.
func (g *Gatekeeper) Bot() *tele.Bot {
	return g.base.tbot
}

// PendingCount returns the number of users currently under challenge.
func (g *Gatekeeper) PendingCount() int {
	return g.registry.Len()
}

func (g *Gatekeeper) isAllowedChat(chatID int64) bool {
	_, ok := g.allowed[chatID]
	return ok
}

func (g *Gatekeeper) handleChatMember(c tele.Context) error {
	upd := c.ChatMember()
	if upd == nil || upd.Chat == nil || upd.NewChatMember == nil {
		return nil
	}
	if !isJoinTransition(upd.OldChatMember, upd.NewChatMember) {
		return nil
	}

	user := upd.NewChatMember.User
	if user == nil || user.IsBot {
		return nil
	}

	g.processJoin(upd.Chat.ID, user)
	return nil
}

// handleUserJoined covers joins delivered as service messages. A join may
// arrive both ways; the registry's create guard makes the second one a no-op.
func (g *Gatekeeper) handleUserJoined(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}

	users := m.UsersJoined
	if len(users) == 0 && m.UserJoined != nil {
		users = []tele.User{*m.UserJoined}
	}

	for i := range users {
		if users[i].IsBot {
			continue
		}
		g.processJoin(m.Chat.ID, &users[i])
	}
	return nil
}

func (g *Gatekeeper) handleAnswer(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Sender == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	return g.processAnswer(cb, cb.Message.Chat.ID, cb.Sender.ID, c.Data())
}

func (g *Gatekeeper) processJoin(chatID int64, user *tele.User) {
	if !g.isAllowedChat(chatID) {
		g.metrics.Ignored(ErrChatNotAllowed.String())
		return
	}

	ch := newChallenge(g.cfg.MinOperand, g.cfg.MaxOperand)
	if !g.registry.Create(user.ID, chatID, ch.Answer, g.clock.Now()) {
		// Rejoin before resolution: keep the existing challenge and timer.
		g.log.Debug("join for already pending user", "user_id", user.ID, "chat_id", chatID)
		g.metrics.Ignored(ErrAlreadyPending.String())
		return
	}

	g.metrics.Join(chatID)
	g.log.Info("challenge started", "user_id", user.ID, "chat_id", chatID, "username", user.Username)

	if err := g.api.RestrictPosting(chatID, user.ID, false); err != nil {
		g.logPlatformError(err, "restrict", user.ID, chatID)
	}

	name := displayName(user)
	msgID, err := g.api.SendChallenge(chatID, challengeMessage(name, ch.Question), challengeKeyboard(ch))
	if err != nil {
		g.logPlatformError(err, "send_challenge", user.ID, chatID)
	} else {
		g.registry.SetChallengeMessage(user.ID, chatID, msgID)
	}

	g.supervisor.Schedule(g.cfg.CaptchaTimeout, func() {
		g.expire(user.ID, chatID, name)
	})
}

func (g *Gatekeeper) processAnswer(cb *tele.Callback, chatID, userID int64, data string) error {
	if !g.isAllowedChat(chatID) {
		g.metrics.Ignored(ErrChatNotAllowed.String())
		return nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil {
		g.log.Warn("malformed answer payload", "user_id", userID, "chat_id", chatID, "data", data)
		return g.api.Acknowledge(cb, respAlreadyResolved, false)
	}

	v, ok := g.registry.Get(userID, chatID)
	if !ok {
		// Stale button: timeout already fired or the press was a duplicate.
		g.metrics.Ignored(ErrNothingPending.String())
		return g.api.Acknowledge(cb, g.staleResponse(userID, chatID), false)
	}

	if value != v.Answer {
		// Not terminal: the user may try another option until the deadline.
		g.metrics.WrongAnswer()
		return g.api.Acknowledge(cb, respWrong, true)
	}

	v, ok = g.registry.Resolve(userID, chatID, OutcomePassed)
	if !ok {
		// The timeout won the race between Get and Resolve.
		g.metrics.Ignored(ErrNothingPending.String())
		return g.api.Acknowledge(cb, g.staleResponse(userID, chatID), false)
	}

	g.resolved.Set(verificationKey{UserID: userID, ChatID: chatID}, OutcomePassed)
	g.metrics.Passed(chatID)
	g.journal.Record(v, g.clock.Now())
	g.log.Info("challenge passed", "user_id", userID, "chat_id", chatID)

	if err := g.api.RestrictPosting(chatID, userID, true); err != nil {
		g.logPlatformError(err, "unrestrict", userID, chatID)
	}
	g.deleteChallengeMessage(v)
	if err := g.api.Notify(chatID, passedMessage(displayName(cb.Sender))); err != nil {
		g.logPlatformError(err, "notify", userID, chatID)
	}

	return g.api.Acknowledge(cb, respCorrect, false)
}

// expire runs when a verification deadline fires. Resolve is the arbiter: if
// the entry is gone the user already passed and the whole call is a no-op.
func (g *Gatekeeper) expire(userID, chatID int64, name string) {
	v, ok := g.registry.Resolve(userID, chatID, OutcomeFailed)
	if !ok {
		return
	}

	g.resolved.Set(verificationKey{UserID: userID, ChatID: chatID}, OutcomeFailed)
	g.metrics.Failed(chatID)
	g.journal.Record(v, g.clock.Now())
	g.log.Info("challenge expired, removing user", "user_id", userID, "chat_id", chatID)

	if err := g.api.KickMember(chatID, userID); err != nil {
		g.logPlatformError(err, "kick", userID, chatID)
	}
	g.deleteChallengeMessage(v)
	if err := g.api.Notify(chatID, failedMessage(name)); err != nil {
		g.logPlatformError(err, "notify", userID, chatID)
	}
}

// gateMiddleware deletes any message authored by a still-pending user before
// handlers run. Restriction propagation on the platform side may lag, the
// gate is what keeps the challenge window clean.
func (g *Gatekeeper) gateMiddleware(upd *tele.Update) bool {
	m := upd.Message
	if m == nil || m.Sender == nil || m.Chat == nil {
		return true
	}
	if m.UserJoined != nil || len(m.UsersJoined) > 0 {
		// Join service messages must reach the join handler.
		return true
	}
	if _, ok := g.registry.Get(m.Sender.ID, m.Chat.ID); !ok {
		return true
	}

	g.metrics.Suppressed()
	if err := g.api.DeleteMessage(m.Chat.ID, m.ID); err != nil && !IsNotFoundMessageErr(err) {
		g.logPlatformError(err, "suppress", m.Sender.ID, m.Chat.ID)
	}
	return false
}

func (g *Gatekeeper) logMiddleware(upd *tele.Update) bool {
	switch {
	case upd.ChatMember != nil:
		cm := upd.ChatMember
		g.log.Debug("chat_member",
			"chat_id", chatID(cm.Chat),
			"user_id", lang.Deref(lang.Deref(cm.NewChatMember).User).ID,
			"old_role", lang.Deref(cm.OldChatMember).Role,
			"new_role", lang.Deref(cm.NewChatMember).Role)

	case upd.Callback != nil:
		cb := upd.Callback
		g.log.Debug("callback",
			"chat_id", chatID(lang.Deref(cb.Message).Chat),
			"user_id", lang.Deref(cb.Sender).ID,
			"data", cb.Data)

	case upd.Message != nil:
		m := upd.Message
		g.log.Debug("message",
			"chat_id", chatID(m.Chat),
			"user_id", lang.Deref(m.Sender).ID,
			"msg_id", m.ID)
	}
	return true
}

// staleResponse tailors the "already resolved" notice when the outcome is
// still in the recently-resolved cache.
func (g *Gatekeeper) staleResponse(userID, chatID int64) string {
	out, ok := g.resolved.Get(verificationKey{UserID: userID, ChatID: chatID})
	if !ok {
		return respAlreadyResolved
	}
	if out == OutcomePassed {
		return respAlreadyPassed
	}
	return respAlreadyFailed
}

func (g *Gatekeeper) deleteChallengeMessage(v Verification) {
	if v.MessageID == 0 {
		return
	}
	if err := g.api.DeleteMessage(v.ChatID, v.MessageID); err != nil && !IsNotFoundMessageErr(err) {
		g.logPlatformError(err, "delete_challenge", v.UserID, v.ChatID)
	}
}

func (g *Gatekeeper) logPlatformError(err error, op string, userID, chatID int64) {
	g.metrics.PlatformError(op)
	if IsBlockedError(err) {
		g.log.Warn("bot is blocked by the user", "op", op, "user_id", userID, "chat_id", chatID)
		return
	}
	g.log.Error(ErrPlatform.Wrap(err, op), "platform call failed", "user_id", userID, "chat_id", chatID)
}

func isJoinTransition(oldMember, newMember *tele.ChatMember) bool {
	if !isInChat(newMember) {
		return false
	}
	return oldMember == nil || !isInChat(oldMember)
}

func isInChat(m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
		return true
	default:
		return false
	}
}

func chatID(chat *tele.Chat) int64 {
	return lang.Deref(chat).ID
}

func displayName(user *tele.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	if name == "" {
		name = strconv.FormatInt(user.ID, 10)
	}
	return name
}
