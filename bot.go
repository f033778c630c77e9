package gatekeeper

import (
	"net/http"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/logze"
	tele "gopkg.in/telebot.v4"
)

// platform is the set of chat platform calls the gatekeeper performs. All of
// them are best-effort from the orchestrator's point of view: a failure is
// logged and never rolls back a committed registry transition.
type platform interface {
	// SendChallenge posts the captcha with its option keyboard and returns
	// the message id for later deletion.
	SendChallenge(chatID int64, text string, kb *tele.ReplyMarkup) (int, error)
	// Notify posts a plain status message to the chat.
	Notify(chatID int64, text string) error
	// DeleteMessage removes a message from the chat.
	DeleteMessage(chatID int64, messageID int) error
	// RestrictPosting mutes (allowed=false) or fully unmutes a member.
	RestrictPosting(chatID, userID int64, allowed bool) error
	// KickMember bans and immediately unbans a member, so the user is
	// removed but may rejoin later.
	KickMember(chatID, userID int64) error
	// Acknowledge answers a button press with transient feedback,
	// shown as a modal alert if alert is true.
	Acknowledge(cb *tele.Callback, text string, alert bool) error
}

// Updates the bot subscribes to: joins arrive as chat_member transitions,
// answers as callback queries, everything else is gated messages.
var allowedUpdates = []string{"message", "callback_query", "chat_member"}

type baseBot struct {
	tbot *tele.Bot
	log  logze.Logger

	defaultOptions []any
	middlewares    []func(upd *tele.Update) bool
}

func newBaseBot(token string, cfg Config, log logze.Logger, poller tele.Poller) (*baseBot, error) {
	b := &baseBot{
		log:            log,
		defaultOptions: []any{cfg.ParseMode},
		middlewares:    make([]func(upd *tele.Update) bool, 0),
	}

	if cfg.NoPreview {
		b.defaultOptions = append(b.defaultOptions, tele.NoPreview)
	}

	if poller == nil {
		poller = &tele.LongPoller{
			Timeout:        cfg.LPTimeout,
			AllowedUpdates: allowedUpdates,
		}
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Poller:  tele.NewMiddlewarePoller(poller, b.middleware),
		Client:  &http.Client{Timeout: 2 * cfg.LPTimeout},
		Verbose: cfg.Debug,
		OnError: func(err error, ctx tele.Context) {
			var chatID int64
			if ctx != nil && ctx.Chat() != nil {
				chatID = ctx.Chat().ID
			}
			b.log.Error(err, "error callback", "chat_id", chatID)
		},
		Offline: cfg.TestMode,
	})
	if err != nil {
		return nil, errm.Wrap(err, "new telebot")
	}
	b.tbot = bot

	return b, nil
}

func (b *baseBot) start() {
	b.log.Info("bot is starting")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error(errm.New("panic in poller"), "bot polling stopped", "panic", r)
			}
		}()
		b.tbot.Start()
	}()
}

func (b *baseBot) stop() {
	b.log.Info("bot is stopping")
	b.tbot.Stop()
}

func (b *baseBot) addMiddleware(f func(upd *tele.Update) bool) {
	b.middlewares = append(b.middlewares, f)
}

func (b *baseBot) handle(endpoint any, handler tele.HandlerFunc) {
	b.tbot.Handle(endpoint, handler)
}

func (b *baseBot) middleware(upd *tele.Update) bool {
	for _, m := range b.middlewares {
		if !m(upd) {
			return false
		}
	}
	return true
}

func (b *baseBot) SendChallenge(chatID int64, text string, kb *tele.ReplyMarkup) (int, error) {
	if chatID == 0 {
		return 0, errEmptyChatID
	}
	opts := append([]any{kb}, b.defaultOptions...)
	m, err := b.tbot.Send(tele.ChatID(chatID), text, opts...)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (b *baseBot) Notify(chatID int64, text string) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	_, err := b.tbot.Send(tele.ChatID(chatID), text, b.defaultOptions...)
	return err
}

func (b *baseBot) DeleteMessage(chatID int64, messageID int) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if messageID == 0 {
		return errEmptyMsgID
	}
	return b.tbot.Delete(getEditable(chatID, messageID))
}

func (b *baseBot) RestrictPosting(chatID, userID int64, allowed bool) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if userID == 0 {
		return errEmptyUserID
	}

	member := &tele.ChatMember{
		User:   &tele.User{ID: userID},
		Rights: tele.NoRights(),
	}
	if allowed {
		member.Rights = tele.NoRestrictions()
	}

	return b.tbot.Restrict(&tele.Chat{ID: chatID}, member)
}

func (b *baseBot) KickMember(chatID, userID int64) error {
	if chatID == 0 {
		return errEmptyChatID
	}
	if userID == 0 {
		return errEmptyUserID
	}

	chat := &tele.Chat{ID: chatID}
	user := &tele.User{ID: userID}

	if err := b.tbot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
		return errm.Wrap(err, "ban")
	}
	// Unban right away: the join gate is a one-time removal, not a permanent
	// ban, so the user may come back and face a fresh challenge.
	if err := b.tbot.Unban(chat, user); err != nil {
		return errm.Wrap(err, "unban")
	}

	return nil
}

func (b *baseBot) Acknowledge(cb *tele.Callback, text string, alert bool) error {
	if cb == nil {
		return errm.New("empty callback")
	}
	return b.tbot.Respond(cb, &tele.CallbackResponse{
		Text:      text,
		ShowAlert: alert,
	})
}

var (
	errEmptyUserID = errm.New("empty user id")
	errEmptyChatID = errm.New("empty chat id")
	errEmptyMsgID  = errm.New("empty msg id")
)

func getEditable(chatID int64, messageID int) tele.Editable {
	return &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
}
