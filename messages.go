package gatekeeper

// Texts for callback responses. They are shown as transient feedback over the
// button press, not as chat messages.
const (
	respCorrect         = "Done ✅"
	respWrong           = "❌ Wrong, try again"
	respAlreadyResolved = "Verification is already finished"
	respAlreadyPassed   = "You are already verified"
	respAlreadyFailed   = "Verification has expired"
)

// Format is a type of message formatting in Telegram in HTML format.
type Format string

const (
	Bold   Format = "<b>"
	Italic Format = "<i>"
	Code   Format = "<code>"

	boldEnd   = "</b>"
	italicEnd = "</i>"
	codeEnd   = "</code>"
)

// F returns a formatted string.
func F(msg string, formats ...Format) string {
	for _, f := range formats {
		switch f {
		case Bold:
			msg = string(Bold) + msg + boldEnd
		case Italic:
			msg = string(Italic) + msg + italicEnd
		case Code:
			msg = string(Code) + msg + codeEnd
		}
	}
	return msg
}

func challengeMessage(name, question string) string {
	return "👋 " + F(name, Bold) + ", solve the captcha to start chatting:\n\n" + F(question, Bold)
}

func passedMessage(name string) string {
	return "✅ " + F(name, Bold) + " passed the check, welcome!"
}

func failedMessage(name string) string {
	return "🚷 " + F(name, Bold) + " did not solve the captcha in time and was removed"
}
