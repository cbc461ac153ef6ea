package notify

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

// Message is one email to one recipient.
type Message struct {
	EventType string
	RelatedID int64
	To        string
	Subject   string
	Body      string
}

// Sender delivers a single message. A nil error with a status other than
// sent means the message was accepted without real delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) (models.NotificationStatus, error)
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender sends plain-text mail with PLAIN auth.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (models.NotificationStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.NotificationFailed, err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + s.cfg.Port
	if err := s.sendMail(addr, auth, s.cfg.From, []string{msg.To}, buildMessage(s.cfg, msg)); err != nil {
		return models.NotificationFailed, fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return models.NotificationSent, nil
}

func buildMessage(cfg SMTPConfig, msg Message) []byte {
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", cfg.FromName), cfg.From)
	}
	headers := []string{
		"From: " + from,
		"To: " + msg.To,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + msg.Body)
}

// LogOnlySender writes messages to the log instead of sending them. Used
// when SMTP is not configured.
type LogOnlySender struct {
	log *zap.Logger
}

func NewLogOnlySender(log *zap.Logger) *LogOnlySender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogOnlySender{log: log}
}

func (s *LogOnlySender) Send(_ context.Context, msg Message) (models.NotificationStatus, error) {
	s.log.Info("notification (smtp disabled)",
		zap.String("event", msg.EventType),
		zap.Int64("related_id", msg.RelatedID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return models.NotificationLoggedOnly, nil
}
