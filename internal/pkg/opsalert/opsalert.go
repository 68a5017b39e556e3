// Package opsalert emails the operator about failed dispatch cycles.
package opsalert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	mailjet "github.com/mailjet/mailjet-apiv3-go"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/config"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
)

const subjectPrefix = "[Zeus Tips] "

type sendFunc func(msgs *mailjet.MessagesV31) error

// Mailer sends alerts through Mailjet, at most one per kind and period.
// Alerts over the limit, and alerts that fail to send, are only logged.
type Mailer struct {
	from    string
	to      []string
	period  time.Duration
	limiter Limiter
	send    sendFunc
}

// New returns a Mailer when Mailjet is configured and a log-only alerter
// otherwise.
func New(cfg *config.Config, limiter Limiter) dispatch.Alerter {
	if !cfg.OpsAlertsEnabled() {
		log.Info("[OpsAlert] Mailjet not configured, alerts are logged only")
		return LogAlerter{}
	}
	client := mailjet.NewMailjetClient(cfg.OpsAlert.MailjetAPIKey, cfg.OpsAlert.MailjetSecretKey)
	return NewMailer(cfg.OpsAlert.From, cfg.OpsAlert.To, cfg.OpsAlert.Period, limiter, func(msgs *mailjet.MessagesV31) error {
		_, err := client.SendMailV31(msgs)
		return err
	})
}

func NewMailer(from string, to []string, period time.Duration, limiter Limiter, send sendFunc) *Mailer {
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	return &Mailer{from: from, to: to, period: period, limiter: limiter, send: send}
}

func (m *Mailer) Alert(ctx context.Context, kind, message string) {
	log.Warnf("[OpsAlert] %s: %s", kind, message)

	ok, err := m.limiter.Allow(ctx, kind, m.period)
	if err != nil {
		log.Errorf("[OpsAlert] Limiter error for %s: %v", kind, err)
		return
	}
	if !ok {
		log.Debugf("[OpsAlert] Too soon to send another %s alert", kind)
		return
	}

	recipients := make(mailjet.RecipientsV31, 0, len(m.to))
	for _, addr := range m.to {
		recipients = append(recipients, mailjet.RecipientV31{Email: addr})
	}
	msgs := mailjet.MessagesV31{Info: []mailjet.InfoMessagesV31{{
		From:     &mailjet.RecipientV31{Email: m.from, Name: "Zeus Tips"},
		To:       &recipients,
		Subject:  subjectPrefix + strings.ReplaceAll(kind, "_", " "),
		TextPart: fmt.Sprintf("%s\n\n%s UTC", message, time.Now().UTC().Format(time.RFC3339)),
	}}}
	if err := m.send(&msgs); err != nil {
		log.Errorf("[OpsAlert] Could not send %s alert: %v", kind, err)
		return
	}
	log.Infof("[OpsAlert] Sent %s alert to %s", kind, strings.Join(m.to, ","))
}

// LogAlerter only logs.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, kind, message string) {
	log.Warnf("[OpsAlert] %s: %s", kind, message)
}
