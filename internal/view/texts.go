// Package view implements the message sources and reply sinks bots talk
// through: an interactive console and Telegram long polling.
package view

// Texts are the canned replies a view sends on the non-handler paths.
type Texts struct {
	Unknown   string
	Forbidden string
	Failed    string
}

// DefaultTexts returns the stock English replies.
func DefaultTexts() Texts {
	return Texts{
		Unknown:   "Unknown command. Send a known command or ask the bot owner for help.",
		Forbidden: "Forbidden. You are not allowed to use this command.",
		Failed:    "Internal error. Please try again later.",
	}
}

func (t Texts) withDefaults() Texts {
	d := DefaultTexts()
	if t.Unknown == "" {
		t.Unknown = d.Unknown
	}
	if t.Forbidden == "" {
		t.Forbidden = d.Forbidden
	}
	if t.Failed == "" {
		t.Failed = d.Failed
	}
	return t
}
