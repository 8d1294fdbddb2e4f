// Package transport defines the messaging boundary of the conversation core:
// the inbound payload shape the router consumes and the outbound messages it
// produces. The actual gateway (WhatsApp or compatible) lives behind the
// Messenger interface.
package transport

import "context"

// Inbound is a single message received from the channel. Fields beyond these
// are ignored by the core.
type Inbound struct {
	FromNumber     string       `json:"from_number"`
	ID             string       `json:"id,omitempty"`
	Content        string       `json:"content,omitempty"`
	SelectedOption string       `json:"selected_option,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
	MessageType    string       `json:"message_type,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment carries channel media. Only the type is inspected by the core.
type Attachment struct {
	Type    string `json:"type,omitempty"`
	Base64  string `json:"base64,omitempty"`
	Data    string `json:"data,omitempty"`
	Content string `json:"content,omitempty"`
}

// Text returns the effective user input: a quick-reply selection wins over
// free text.
func (in Inbound) Text() string {
	if in.SelectedOption != "" {
		return in.SelectedOption
	}
	return in.Content
}

// Message is one outbound message. Response is markdown-ish text
// (* delimits bold).
type Message struct {
	Response     string `json:"response"`
	UI           *UI    `json:"ui,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	MediaCaption string `json:"media_caption,omitempty"`
}

// UI describes quick-reply affordances for channels that support them.
type UI struct {
	Type    string   `json:"type"`
	Buttons []string `json:"buttons"`
}

// Text builds a plain text Message.
func Text(s string) Message { return Message{Response: s} }

// Buttons builds a text Message with quick-reply buttons.
func Buttons(s string, buttons ...string) Message {
	return Message{Response: s, UI: &UI{Type: "buttons", Buttons: buttons}}
}

// Messenger sends outbound messages over the channel. Implementations must be
// safe for concurrent use.
type Messenger interface {
	Send(ctx context.Context, to string, msg Message) error
}
