package telegram

import "gopkg.in/telebot.v3"

// Client defines an interface for sending messages via a Telegram bot.
// Used for operator alerts about settlements that need manual intervention.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
}
