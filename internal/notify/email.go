// internal/notify/email.go
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"deal-engine/internal/common/config"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

const sendTimeout = 10 * time.Second

// Define interfaces for mocking
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EmailNotifier sends deal notifications over SES email, with an optional SNS
// SMS for high-priority messages. Recipient contact details come from the
// users table.
type EmailNotifier struct {
	cfg       config.NotificationConfig
	db        *sql.DB
	logger    logger.Logger
	sesClient SESService
	snsClient SNSService
}

func NewEmailNotifier(cfg config.NotificationConfig, db *sql.DB, log logger.Logger) (*EmailNotifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &EmailNotifier{
		cfg:       cfg,
		db:        db,
		logger:    log.WithFields(map[string]interface{}{"component": "notifier"}),
		sesClient: ses.NewFromConfig(awsCfg),
		snsClient: sns.NewFromConfig(awsCfg),
	}, nil
}

type message struct {
	subject  string
	body     string
	priority string
}

var templates = map[string]message{
	"deal_request_received": {
		subject: "New Deal Request Received",
		body:    "A customer has added your {{year}} {{make}} {{model}} to their deal list. Submit your best offer to win the sale.",
	},
	"deal_accepted": {
		subject:  "Your Offer Was Accepted",
		body:     "Congratulations! Your deal for the {{year}} {{make}} {{model}} is confirmed at {{price}}. Present verification code {{code}} at the dealership.",
		priority: "high",
	},
	"offer_declined": {
		subject: "Offer Declined",
		body:    "The customer declined your offer on the {{year}} {{make}} {{model}}.",
	},
	"deal_cancelled_by_dealer": {
		subject: "A Dealer Withdrew From Your Deal",
		body:    "The dealer has withdrawn the {{year}} {{make}} {{model}} from your deal list.",
	},
	"deal_cancelled_by_customer": {
		subject: "Customer Cancelled an Accepted Deal",
		body:    "The customer has cancelled the accepted deal for the {{year}} {{make}} {{model}}. The listing is active again.",
	},
}

func (n *EmailNotifier) DealRequestReceived(ctx context.Context, dealerID string, car CarInfo) {
	n.dispatch("deal_request_received", dealerID, carData(car))
}

func (n *EmailNotifier) DealAccepted(ctx context.Context, customerID string, car CarInfo, verificationCode string, finalPrice int64) {
	data := carData(car)
	data["code"] = verificationCode
	data["price"] = fmt.Sprintf("$%.2f", float64(finalPrice)/100)
	n.dispatch("deal_accepted", customerID, data)
}

func (n *EmailNotifier) OfferDeclined(ctx context.Context, dealerID string, car CarInfo) {
	n.dispatch("offer_declined", dealerID, carData(car))
}

func (n *EmailNotifier) DealCancelledByDealer(ctx context.Context, customerID string, car CarInfo) {
	n.dispatch("deal_cancelled_by_dealer", customerID, carData(car))
}

func (n *EmailNotifier) DealCancelledByCustomer(ctx context.Context, dealerID string, car CarInfo) {
	n.dispatch("deal_cancelled_by_customer", dealerID, carData(car))
}

var _ Notifier = (*EmailNotifier)(nil)

func carData(car CarInfo) map[string]interface{} {
	return map[string]interface{}{
		"year":  car.Year,
		"make":  car.Make,
		"model": car.Model,
	}
}

// dispatch sends in the background. The caller's transaction has already
// committed; nothing here may surface as a core failure.
func (n *EmailNotifier) dispatch(kind, recipientID string, data map[string]interface{}) {
	tmpl, exists := templates[kind]
	if !exists {
		n.logger.Error("unknown notification kind", map[string]interface{}{"kind": kind})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		email, phone, err := n.recipientContact(ctx, recipientID)
		if err != nil {
			n.logger.Warn("notification recipient not found", map[string]interface{}{
				"recipientId": recipientID,
				"kind":        kind,
			})
			return
		}

		subject := renderTemplate(tmpl.subject, data)
		body := renderTemplate(tmpl.body, data)

		if n.cfg.Email.Enabled && email != "" {
			if err := n.sendEmail(ctx, email, subject, body); err != nil {
				metrics.NotificationFailures.WithLabelValues("email").Inc()
				n.logger.Error("email send failed", map[string]interface{}{
					"error": err,
					"kind":  kind,
				})
			}
		}

		if n.cfg.SMS.Enabled && phone != "" && tmpl.priority == "high" {
			if err := n.sendSMS(ctx, phone, body); err != nil {
				metrics.NotificationFailures.WithLabelValues("sms").Inc()
				n.logger.Error("SMS send failed", map[string]interface{}{
					"error": err,
					"kind":  kind,
				})
			}
		}
	}()
}

func (n *EmailNotifier) recipientContact(ctx context.Context, recipientID string) (string, string, error) {
	var email string
	var phone sql.NullString
	err := n.db.QueryRowContext(ctx,
		`SELECT email, phone FROM users WHERE id = $1`, recipientID).Scan(&email, &phone)
	return email, phone.String, err
}

func (n *EmailNotifier) sendEmail(ctx context.Context, to, subject, body string) error {
	_, err := n.sesClient.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
				Html: &types.Content{Data: aws.String(body)},
			},
		},
		Source: aws.String(n.cfg.Email.FromEmail),
	})
	return err
}

func (n *EmailNotifier) sendSMS(ctx context.Context, to, body string) error {
	_, err := n.snsClient.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(body),
	})
	return err
}

// Simplified template rendering with placeholder removal for missing values
func renderTemplate(tmpl string, data map[string]interface{}) string {
	result := tmpl

	for k, v := range data {
		placeholder := "{{" + k + "}}"
		value := ""
		if s, ok := v.(string); ok {
			value = s
		} else if i, ok := v.(int); ok {
			value = fmt.Sprintf("%d", i)
		} else if v != nil {
			value = fmt.Sprintf("%v", v)
		}
		result = strings.ReplaceAll(result, placeholder, value)
	}

	// Drop any placeholders that had no value
	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		result = result[:start] + result[end:]
	}

	return result
}
