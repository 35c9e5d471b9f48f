// internal/services/notification_service.go
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/events"
	"github.com/javajoker/autoparts-backend/internal/models"
	"github.com/javajoker/autoparts-backend/internal/telemetry"
)

type NotificationService struct {
	db     *gorm.DB
	config config.EmailConfig
	send   func(to, subject, body string) error
}

var emailTemplates = template.Must(template.New("email").Parse(`
{{define "order_confirmation"}}<!DOCTYPE html>
<html>
<body>
	<h2>Thank you for your order, {{.Name}}!</h2>
	<p>Your order <strong>{{.OrderNumber}}</strong> has been received.</p>
	<table>
		<tr><th>Item</th><th>Qty</th><th>Unit price</th></tr>
		{{range .Items}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td></tr>
		{{end}}
	</table>
	<p>Total: {{.TotalAmount}}</p>
	<p>Best regards,<br>AutoParts Team</p>
</body>
</html>{{end}}
{{define "order_status"}}<!DOCTYPE html>
<html>
<body>
	<h2>Order update</h2>
	<p>Hello {{.Name}},</p>
	<p>Your order <strong>{{.OrderNumber}}</strong> is now <strong>{{.Status}}</strong> (was {{.Previous}}).</p>
	<p>Best regards,<br>AutoParts Team</p>
</body>
</html>{{end}}
`))

func NewNotificationService(db *gorm.DB, cfg config.EmailConfig) *NotificationService {
	s := &NotificationService{db: db, config: cfg}
	s.send = s.sendEmail
	return s
}

func (s *NotificationService) SendOrderConfirmation(user *models.User, p events.OrderCreatedPayload) error {
	body, err := renderEmail("order_confirmation", map[string]interface{}{
		"Name":        displayName(user),
		"OrderNumber": p.OrderNumber,
		"Items":       p.Items,
		"TotalAmount": p.TotalAmount,
	})
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return s.send(user.Email, "Order Confirmation - "+p.OrderNumber, body)
}

func (s *NotificationService) SendOrderStatusUpdate(user *models.User, p events.OrderStatusChangedPayload) error {
	body, err := renderEmail("order_status", map[string]interface{}{
		"Name":        displayName(user),
		"OrderNumber": p.OrderNumber,
		"Status":      p.To,
		"Previous":    p.From,
	})
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return s.send(user.Email, fmt.Sprintf("Order %s - %s", p.OrderNumber, p.To), body)
}

// HandleOrderEvent is an events.Handler that e-mails the order's owner.
// Events for users that no longer exist are dropped.
func (s *NotificationService) HandleOrderEvent(ctx context.Context, env events.Envelope) error {
	log := telemetry.WithContext(ctx).WithFields(logrus.Fields{
		"event_type":   env.EventType,
		"order_number": env.CorrelationID,
	})

	switch env.EventType {
	case events.EventOrderCreated:
		p, err := events.UnwrapPayload[events.OrderCreatedPayload](env)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed event")
			return nil
		}
		user, err := s.lookupUser(ctx, p.UserID)
		if err != nil || user == nil {
			return err
		}
		return s.SendOrderConfirmation(user, p)

	case events.EventOrderStatusChanged, events.EventOrderCancelled:
		p, err := events.UnwrapPayload[events.OrderStatusChangedPayload](env)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed event")
			return nil
		}
		user, err := s.lookupUser(ctx, p.UserID)
		if err != nil || user == nil {
			return err
		}
		return s.SendOrderStatusUpdate(user, p)

	default:
		log.Debug("Ignoring event")
		return nil
	}
}

func (s *NotificationService) lookupUser(ctx context.Context, id string) (*models.User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		logrus.WithField("user_id", id).Warn("Event carries an invalid user id")
		return nil, nil
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logrus.WithField("user_id", id).Warn("Order owner no longer exists")
			return nil, nil
		}
		return nil, dbError(err)
	}
	return &user, nil
}

// Helper methods
func (s *NotificationService) sendEmail(to, subject, body string) error {
	if s.config.SMTPHost == "" {
		// Email not configured, just log
		logrus.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("Email not sent, SMTP is not configured")
		return nil
	}

	auth := smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)

	from := s.config.FromEmail
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromEmail)
	}
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		from, to, subject, body))

	addr := fmt.Sprintf("%s:%s", s.config.SMTPHost, s.config.SMTPPort)
	if err := smtp.SendMail(addr, auth, s.config.FromEmail, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func renderEmail(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func displayName(u *models.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}
