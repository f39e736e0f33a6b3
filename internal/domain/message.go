package domain

import "time"

// Message is one inbound item pulled from a view.
type Message struct {
	ID        string
	Sender    string // identity checked against allow/deny lists
	Chat      string // where replies go
	Text      string
	Timestamp time.Time
	Raw       any // platform payload, untouched
}
