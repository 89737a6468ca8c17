package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	mu     sync.Mutex
	inputs []*ses.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSES) sent() []*ses.SendEmailInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ses.SendEmailInput(nil), f.inputs...)
}

func TestSESNotifier_NotifyLogin(t *testing.T) {
	client := &fakeSES{}
	n := NewSESNotifierWithClient(client, "security@example.com", 10, discardLogger())

	until := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	err := n.NotifyLogin(context.Background(), LoginNotification{
		Kind:      NotificationAccountLocked,
		Email:     "admin@example.com",
		IPAddress: "203.0.113.7",
		UserAgent: "<script>alert(1)</script>",
		At:        until.Add(-30 * time.Minute),
		Until:     &until,
	})
	require.NoError(t, err)

	sent := client.sent()
	require.Len(t, sent, 1)
	in := sent[0]
	assert.Equal(t, "security@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"admin@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Your admin account has been locked", aws.ToString(in.Message.Subject.Data))
	assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), "203.0.113.7")
	assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), "until Fri, 01 May 2026 10:30:00 UTC")
	assert.NotContains(t, aws.ToString(in.Message.Body.Html.Data), "<script>")
}

func TestSESNotifier_SendError(t *testing.T) {
	client := &fakeSES{err: errors.New("throttled")}
	n := NewSESNotifierWithClient(client, "security@example.com", 10, discardLogger())

	err := n.NotifyLogin(context.Background(), LoginNotification{Kind: NotificationLoginSuccess, Email: "admin@example.com"})
	assert.Error(t, err)
}

func TestSESNotifier_ThrottleRespectsContext(t *testing.T) {
	client := &fakeSES{}
	n := NewSESNotifierWithClient(client, "security@example.com", 0.001, discardLogger())

	require.NoError(t, n.NotifyLogin(context.Background(), LoginNotification{Kind: NotificationLoginFailure, Email: "admin@example.com"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := n.NotifyLogin(ctx, LoginNotification{Kind: NotificationLoginFailure, Email: "admin@example.com"})
	assert.Error(t, err)
	assert.Len(t, client.sent(), 1)
}

func TestRenderNotification(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	subject, body := renderNotification(LoginNotification{Kind: NotificationLoginSuccess, IPAddress: "203.0.113.7", At: at})
	assert.Equal(t, "New sign-in to your admin account", subject)
	assert.Contains(t, body, "change your password")

	subject, _ = renderNotification(LoginNotification{Kind: NotificationLoginFailure, At: at})
	assert.Equal(t, "Failed sign-in attempt on your admin account", subject)
}

func TestNotificationDispatcher_DeliversInBackground(t *testing.T) {
	var mu sync.Mutex
	got := make([]NotificationKind, 0)
	notifier := &MockNotifier{
		NotifyLoginFunc: func(ctx context.Context, n LoginNotification) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, n.Kind)
			if n.Kind == NotificationLoginFailure {
				return errors.New("smtp down")
			}
			return nil
		},
	}

	d := NewNotificationDispatcher(notifier, 4, time.Second, discardLogger(), nil)
	d.Notify(LoginNotification{Kind: NotificationLoginSuccess})
	d.Notify(LoginNotification{Kind: NotificationLoginFailure})
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []NotificationKind{NotificationLoginSuccess, NotificationLoginFailure}, got)
}
