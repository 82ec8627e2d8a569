package service

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
	"storefront-service/internal/notify"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// NotificationDispatcher mails high severity flag alerts to every admin and
// security_personnel address. It does not retry; the outbox worker does.
type NotificationDispatcher struct {
	recipients RecipientStore
	mailer     notify.Mailer
	appName    string
	logger     *zap.Logger
}

// NewNotificationDispatcher creates a new dispatcher
func NewNotificationDispatcher(recipients RecipientStore, mailer notify.Mailer, appName string) *NotificationDispatcher {
	return &NotificationDispatcher{
		recipients: recipients,
		mailer:     mailer,
		appName:    appName,
		logger:     util.GetLogger(),
	}
}

// Dispatch sends alert and reports whether an email went out. Non-high
// alerts and an empty recipient list are successful no-ops. A relay error
// is returned as is.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, alert models.FlagAlert) (bool, error) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.Dispatch")
	defer span.End()

	if alert.Severity != models.SeverityHigh {
		return false, nil
	}

	emails, err := d.recipients.SecurityRecipients(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert recipients: %w", err)
	}
	if len(emails) == 0 {
		d.logger.Warn("No alert recipients configured", zap.Int64("flag_id", alert.FlagID))
		return false, nil
	}

	if err := d.mailer.Send(ctx, notify.FraudAlertMessage(d.appName, emails, alert)); err != nil {
		util.NotificationsFailedTotal.Inc()
		return false, fmt.Errorf("failed to send fraud alert: %w", err)
	}

	util.NotificationsSentTotal.Inc()
	d.logger.Info("Fraud alert sent",
		zap.Int64("flag_id", alert.FlagID),
		zap.String("flag_type", alert.FlagType),
		zap.Int("recipients", len(emails)))
	return true, nil
}
