// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"strings"

	"study_settlement/internal/app"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func RegisterBotCommands(b *telebot.Bot, adminService *app.AdminService, baseLogger *logrus.Entry) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		if adminService.IsAdmin(senderID) {
			return c.Send("Settlement operator bot is running. Alerts about exhausted payouts will arrive here. Use /help for commands.")
		}
		logCtx.Info("User is unknown")
		return c.Send("This bot is for settlement operators only.")
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")

		if !adminService.IsAdmin(senderID) {
			return c.Send("No commands available.")
		}

		var helpText strings.Builder
		helpText.WriteString("Operator commands:\n\n")
		helpText.WriteString("`/failed_settlements`\n - List settlements and payouts that ran out of automatic retries.\n\n")
		helpText.WriteString("`/retry_settlement <SettlementID>`\n - Reset an exhausted settlement and its payouts so the next pass retries them.\n\n")
		helpText.WriteString("`/help`\n - Show this message.")
		return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}
