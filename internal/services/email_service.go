package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/metrics"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"
)

// SESClient is the subset of the SES API used for notifications.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier emails login notifications through AWS SES. Sends are paced by
// a token bucket so a credential-stuffing burst cannot exhaust the SES quota.
type SESNotifier struct {
	client      SESClient
	fromAddress string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewSESNotifier loads the default AWS configuration for region.
func NewSESNotifier(ctx context.Context, region, fromAddress string, sendsPerSecond float64, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, sendsPerSecond, logger), nil
}

func NewSESNotifierWithClient(client SESClient, fromAddress string, sendsPerSecond float64, logger *slog.Logger) *SESNotifier {
	if sendsPerSecond <= 0 {
		sendsPerSecond = 1
	}
	burst := int(sendsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &SESNotifier{
		client:      client,
		fromAddress: fromAddress,
		limiter:     rate.NewLimiter(rate.Limit(sendsPerSecond), burst),
		logger:      logger,
	}
}

// NotifyLogin waits for send budget and emails the account holder.
func (s *SESNotifier) NotifyLogin(ctx context.Context, n LoginNotification) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification throttled: %w", err)
	}

	subject, text := renderNotification(n)
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{n.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String("<pre>" + html.EscapeString(text) + "</pre>")},
				Text: &types.Content{Data: aws.String(text)},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("login notification sent",
		slog.String("kind", string(n.Kind)),
		slog.String("email", pkglogger.SanitizedEmail(n.Email)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

func renderNotification(n LoginNotification) (string, string) {
	when := n.At.UTC().Format(time.RFC1123)
	device := fmt.Sprintf("IP address: %s\nBrowser: %s\nTime: %s\n", n.IPAddress, n.UserAgent, when)

	switch n.Kind {
	case NotificationLoginSuccess:
		return "New sign-in to your admin account",
			"Your admin account was just signed in to.\n\n" + device +
				"\nIf this was not you, change your password immediately."
	case NotificationAccountLocked:
		until := ""
		if n.Until != nil {
			until = " until " + n.Until.UTC().Format(time.RFC1123)
		}
		return "Your admin account has been locked",
			"Your admin account was locked" + until + " after repeated failed sign-in attempts.\n\n" + device
	default:
		return "Failed sign-in attempt on your admin account",
			"Someone entered a wrong password for your admin account.\n\n" + device
	}
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyLogin(ctx context.Context, note LoginNotification) error {
	n.logger.InfoContext(ctx, "login notification (not sent)",
		slog.String("kind", string(note.Kind)),
		slog.String("email", pkglogger.SanitizedEmail(note.Email)),
		slog.String("ip_address", note.IPAddress))
	return nil
}

// NotificationDispatcher delivers notifications in the background.
type NotificationDispatcher struct {
	*Dispatcher[LoginNotification]
}

func NewNotificationDispatcher(notifier Notifier, bufferSize int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *NotificationDispatcher {
	handle := func(ctx context.Context, n LoginNotification) {
		if err := notifier.NotifyLogin(ctx, n); err != nil {
			m.Notification("failed")
			logger.Error("failed to deliver login notification",
				slog.String("kind", string(n.Kind)),
				slog.Any("error", err))
			return
		}
		m.Notification("sent")
	}
	return &NotificationDispatcher{Dispatcher: NewDispatcher("notifications", bufferSize, timeout, logger, handle)}
}

// Notify queues n without blocking.
func (d *NotificationDispatcher) Notify(n LoginNotification) {
	if d == nil {
		return
	}
	d.Submit(n)
}
