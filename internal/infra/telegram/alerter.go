package telegram

import (
	"context"
	"fmt"

	"study_settlement/internal/domain/settlement"
	domainTelegram "study_settlement/internal/domain/telegram"

	"github.com/sirupsen/logrus"
)

// Alerter posts exhaustion alerts to the operator chat. Send failures are
// logged and never interrupt a pass.
type Alerter struct {
	client      domainTelegram.Client
	adminChatID int64
	logger      *logrus.Entry
}

func NewAlerter(client domainTelegram.Client, adminChatID int64, logger *logrus.Entry) *Alerter {
	return &Alerter{client: client, adminChatID: adminChatID, logger: logger}
}

func (a *Alerter) NotifyItemExhausted(_ context.Context, s *settlement.Settlement, it *settlement.Item) {
	text := fmt.Sprintf("Payout exhausted retries\nSettlement %d (study %d), item %d\nMember %d, refund %d points\nRetries: %d\nLast error: %s\n\nUse /retry_settlement %d after fixing the cause.",
		s.ID, s.StudyID, it.ID, it.MemberID, it.RefundAmount, it.RetryCount, it.LastError, s.ID)
	a.send(text, logrus.Fields{"settlement_id": s.ID, "item_id": it.ID})
}

func (a *Alerter) NotifySettlementExhausted(_ context.Context, s *settlement.Settlement) {
	text := fmt.Sprintf("Settlement exhausted retries\nSettlement %d (study %d)\nRetries: %d\nLast error: %s\n\nUse /retry_settlement %d after fixing the cause.",
		s.ID, s.StudyID, s.RetryCount, s.LastError, s.ID)
	a.send(text, logrus.Fields{"settlement_id": s.ID})
}

func (a *Alerter) send(text string, fields logrus.Fields) {
	if err := a.client.SendMessage(a.adminChatID, text, nil); err != nil {
		a.logger.WithFields(fields).WithError(err).Error("Failed to send operator alert")
		return
	}
	a.logger.WithFields(fields).Info("Operator alert sent")
}
