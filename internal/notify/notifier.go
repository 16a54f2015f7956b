package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"fleetupdater/internal/config"
	"fleetupdater/internal/models"
)

// Notifier mails the records of a run.
type Notifier struct {
	mail   config.Mail
	sender Sender
	log    logrus.FieldLogger
}

// NewNotifier returns a Notifier delivering to mail. A nil sender uses
// ShoutrrrSender.
func NewNotifier(mail config.Mail, sender Sender, log logrus.FieldLogger) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{mail: mail, sender: sender, log: log}
}

// NotifyRun sends one report for records. Nothing is sent for an empty run.
func (n *Notifier) NotifyRun(ctx context.Context, records []models.UpdateRecord) error {
	if len(records) == 0 {
		n.log.Debug("no agents updated, skipping report")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := Subject(len(records))
	u, err := BuildEmailURL(n.mail, subject)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	body, err := RenderReport(records)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := n.sender.Send(u, body); err != nil {
		return fmt.Errorf("notify: send report: %w", err)
	}

	n.log.WithFields(logrus.Fields{
		"run_id":     records[0].RunID,
		"recipients": len(n.mail.To),
		"records":    len(records),
	}).Info("update report sent")
	return nil
}
