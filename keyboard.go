package gatekeeper

import (
	"strconv"

	tele "gopkg.in/telebot.v4"
)

const maxButtonsInRow = 8

// btnAnswer is the shared endpoint for every challenge option button.
// The pressed value travels in the callback data.
var btnAnswer = tele.Btn{Unique: "captcha"}

// challengeKeyboard builds a single row of option buttons for a challenge.
func challengeKeyboard(ch challenge) *tele.ReplyMarkup {
	k := newKeyboard()
	for _, opt := range ch.Options {
		text := strconv.Itoa(opt)
		k.Add(tele.Btn{
			Unique: btnAnswer.Unique,
			Text:   text,
			Data:   text,
		})
	}
	return k.CreateInlineMarkup()
}

// keyboard is an inline keyboard builder.
type keyboard struct {
	buttons    [][]tele.Btn
	currentRow []tele.Btn
}

func newKeyboard() *keyboard {
	return &keyboard{
		buttons:    make([][]tele.Btn, 0),
		currentRow: make([]tele.Btn, 0, maxButtonsInRow),
	}
}

// Add adds buttons to the current row, starting a new row when the current
// one is full.
func (k *keyboard) Add(btns ...tele.Btn) *keyboard {
	for _, btn := range btns {
		if len(k.currentRow) == maxButtonsInRow {
			k.StartNewRow()
		}
		k.currentRow = append(k.currentRow, btn)
	}
	return k
}

// StartNewRow closes the current row.
func (k *keyboard) StartNewRow() *keyboard {
	if len(k.currentRow) == 0 {
		return k
	}
	k.buttons = append(k.buttons, k.currentRow)
	k.currentRow = make([]tele.Btn, 0, maxButtonsInRow)
	return k
}

// CreateInlineMarkup creates an inline keyboard from the added rows.
func (k *keyboard) CreateInlineMarkup() *tele.ReplyMarkup {
	if len(k.currentRow) > 0 {
		k.StartNewRow()
	}

	out := make([][]tele.InlineButton, 0, len(k.buttons))
	for _, row := range k.buttons {
		rOut := make([]tele.InlineButton, 0, len(row))
		for _, btn := range row {
			rOut = append(rOut, *btn.Inline())
		}
		out = append(out, rOut)
	}

	return &tele.ReplyMarkup{InlineKeyboard: out}
}
