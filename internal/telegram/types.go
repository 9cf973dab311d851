// Package telegram implements the Bot API wire layer: typed records, the
// request/response envelope, the error taxonomy, and a small HTTP client.
// Retry policy does not live here; callers decide what to do with the typed
// errors this package returns.
package telegram

import (
	"encoding/json"
	"strconv"
	"time"
)

// User is a Telegram account.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot,omitempty"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID        ChatID `json:"id"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Message is an inbound or outbound chat message.
type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Date      UnixTime        `json:"date,omitempty"`
	EditDate  UnixTime        `json:"edit_date,omitempty"`
	Chat      Chat            `json:"chat"`
	Text      string          `json:"text,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
	ReplyTo   *Message        `json:"reply_to_message,omitempty"`
}

// MessageEntity marks a span of message text. Offset and Length count UTF-16
// code units, not bytes and not runes; use SubstringUTF16 to extract the span.
type MessageEntity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	User     *User  `json:"user,omitempty"`
	Language string `json:"language,omitempty"`
}

// Entity types the runtime cares about.
const (
	EntityBotCommand = "bot_command"
	EntityMention    = "mention"
	EntityURL        = "url"
)

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID           string   `json:"id"`
	From         *User    `json:"from"`
	Message      *Message `json:"message,omitempty"`
	ChatInstance string   `json:"chat_instance,omitempty"`
	Data         string   `json:"data,omitempty"`
}

// Update is one envelope from getUpdates. At most one of the content fields
// is set.
type Update struct {
	UpdateID          int64          `json:"update_id"`
	Message           *Message       `json:"message,omitempty"`
	EditedMessage     *Message       `json:"edited_message,omitempty"`
	ChannelPost       *Message       `json:"channel_post,omitempty"`
	EditedChannelPost *Message       `json:"edited_channel_post,omitempty"`
	CallbackQuery     *CallbackQuery `json:"callback_query,omitempty"`
}

// AnyMessage returns the first present message variant. Edited messages and
// channel posts ride the same downstream flow as plain messages.
func (u Update) AnyMessage() *Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	}
	return nil
}

// millisecondThreshold separates second-encoded from millisecond-encoded wire
// timestamps. 1e11 seconds is year 5138; any larger magnitude is milliseconds.
const millisecondThreshold = int64(100_000_000_000)

// UnixTime is a wire timestamp. Telegram sends Unix seconds; values whose
// magnitude exceeds the representable second range are read as milliseconds.
type UnixTime struct {
	time.Time
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	var raw int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == 0 {
		t.Time = time.Time{}
		return nil
	}
	if raw > millisecondThreshold || raw < -millisecondThreshold {
		t.Time = time.UnixMilli(raw)
		return nil
	}
	t.Time = time.Unix(raw, 0)
	return nil
}
