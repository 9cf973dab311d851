package telegram

// Request is a typed Bot API call. The payload marshals to the request body;
// Method names the API endpoint.
type Request interface {
	Method() string
}

// GetUpdates is the long-poll request. Timeout is in seconds; the server
// holds the request open until updates arrive or the timeout elapses.
type GetUpdates struct {
	Offset         int64    `json:"offset,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

func (GetUpdates) Method() string { return "getUpdates" }

// SendMessage posts a text message to a chat.
type SendMessage struct {
	ChatID              ChatID `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode,omitempty"`
	ReplyToMessageID    int64  `json:"reply_to_message_id,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

func (SendMessage) Method() string { return "sendMessage" }

// EditMessageText rewrites the text of a previously sent message.
type EditMessageText struct {
	ChatID    ChatID `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (EditMessageText) Method() string { return "editMessageText" }

// AnswerCallbackQuery acknowledges a button press so the client stops its
// progress indicator.
type AnswerCallbackQuery struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

func (AnswerCallbackQuery) Method() string { return "answerCallbackQuery" }

// BotCommand is one entry in the bot's published command list.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetMyCommands publishes the bot's command list.
type SetMyCommands struct {
	Commands []BotCommand `json:"commands"`
}

func (SetMyCommands) Method() string { return "setMyCommands" }

// GetMe fetches the bot's own account record.
type GetMe struct{}

func (GetMe) Method() string { return "getMe" }

// DeleteWebhook removes any webhook so long polling can take over delivery.
type DeleteWebhook struct {
	DropPendingUpdates bool `json:"drop_pending_updates,omitempty"`
}

func (DeleteWebhook) Method() string { return "deleteWebhook" }
