package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"study_settlement/internal/app"
	"study_settlement/internal/domain/settlement"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const unauthorizedReply = "Error: you are not allowed to run this command."

// RegisterAdminHandlers registers the operator commands for settlements
// that ran out of automatic retries.
func RegisterAdminHandlers(ctx context.Context, b *telebot.Bot, adminService *app.AdminService, baseLogger *logrus.Entry) {
	b.Handle("/failed_settlements", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/failed_settlements",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		report, err := adminService.ListFailures(ctx, c.Sender().ID)
		if err != nil {
			if errors.Is(err, app.ErrAdminNotAuthorized) {
				handlerLogger.Warn("Unauthorized access attempt")
				return c.Send(unauthorizedReply)
			}
			handlerLogger.WithError(err).Error("Failed to list exhausted settlements")
			return c.Send(fmt.Sprintf("Could not load failed settlements: %s", err.Error()))
		}

		handlerLogger.WithFields(logrus.Fields{
			"settlements": len(report.Settlements),
			"items":       len(report.Items),
		}).Info("Failure report built")
		return c.Send(FormatFailureReport(report))
	})

	b.Handle("/retry_settlement", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/retry_settlement",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		args := c.Args()
		// Expected format: /retry_settlement <SettlementID>
		if len(args) != 1 {
			return c.Send("Invalid format. Use: /retry_settlement <SettlementID>")
		}
		settlementID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			handlerLogger.WithField("arg", args[0]).Warn("Invalid settlement ID format")
			return c.Send("Error: settlement ID must be a number.")
		}
		handlerLogger = handlerLogger.WithField("settlement_id", settlementID)

		reset, err := adminService.RetrySettlement(ctx, c.Sender().ID, settlementID)
		if err != nil {
			logWithError := handlerLogger.WithError(err)
			switch {
			case errors.Is(err, app.ErrAdminNotAuthorized):
				logWithError.Warn("Unauthorized access attempt")
				return c.Send(unauthorizedReply)
			case errors.Is(err, settlement.ErrSettlementNotFound):
				logWithError.Warn("Settlement to retry not found")
				return c.Send(fmt.Sprintf("Settlement %d not found.", settlementID))
			case errors.Is(err, settlement.ErrAlreadyCompleted):
				return c.Send(fmt.Sprintf("Settlement %d is already completed.", settlementID))
			case errors.Is(err, app.ErrNothingToRetry):
				return c.Send(fmt.Sprintf("Settlement %d still has automatic retries left.", settlementID))
			default:
				logWithError.Error("Failed to reset settlement")
				return c.Send(fmt.Sprintf("Could not reset settlement %d: %s", settlementID, err.Error()))
			}
		}

		handlerLogger.WithField("items_reset", reset).Info("Settlement reset for retry")
		return c.Send(fmt.Sprintf("Settlement %d queued for retry (%d items reset). It will be picked up by the next pass.", settlementID, reset))
	})
}

// FormatFailureReport renders the operator view of exhausted work.
func FormatFailureReport(report app.FailureReport) string {
	if report.Empty() {
		return "No settlements need manual intervention."
	}

	var response strings.Builder
	if len(report.Settlements) > 0 {
		response.WriteString("--- Exhausted settlements ---\n")
		for _, s := range report.Settlements {
			response.WriteString(fmt.Sprintf("Settlement %d (study %d), retries: %d, error: %s\n",
				s.ID, s.StudyID, s.RetryCount, s.LastError))
		}
	}
	if len(report.Items) > 0 {
		if response.Len() > 0 {
			response.WriteString("\n")
		}
		response.WriteString("--- Exhausted payouts ---\n")
		for _, it := range report.Items {
			response.WriteString(fmt.Sprintf("Item %d of settlement %d, member %d, refund %d, retries: %d, error: %s\n",
				it.ID, it.SettlementID, it.MemberID, it.RefundAmount, it.RetryCount, it.LastError))
		}
	}
	response.WriteString("\nUse /retry_settlement <SettlementID> once the cause is fixed.")
	return response.String()
}
