package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/proppulse/backend/internal/config"
	"github.com/proppulse/backend/internal/models"
	"gopkg.in/gomail.v2"
)

// Message is the channel-agnostic payload handed to a provider.
type Message struct {
	Recipient string
	Subject   string
	Content   string
}

// Provider transmits one rendered message and returns the provider's
// message id for later status correlation. Implementations must honor
// ctx cancellation/deadline; a timeout is a retryable delivery failure.
type Provider interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// Providers builds the channel -> provider map from configuration.
// The dashboard channel is intentionally absent: dashboard notifications
// live entirely in the delivery log.
func Providers(cfg config.DeliveryConfig) map[string]Provider {
	return map[string]Provider{
		models.ChannelEmail: &EmailProvider{
			Host: cfg.SMTP.Host,
			Port: cfg.SMTP.Port,
			From: cfg.SMTP.From,
			Pass: cfg.SMTP.Password,
		},
		models.ChannelSMS: &HTTPProvider{
			URL:    cfg.SMSGatewayURL,
			APIKey: cfg.SMSAPIKey,
			Field:  "phone",
		},
		models.ChannelPush: &HTTPProvider{
			URL:   cfg.PushGatewayURL,
			Field: "token",
		},
	}
}

// EmailProvider sends via SMTP.
type EmailProvider struct {
	Host string
	Port int
	From string
	Pass string
}

func (p *EmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	if p.Host == "" {
		return "", fmt.Errorf("smtp not configured")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", p.From)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Content)

	id := uuid.New().String()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@proppulse>", id))

	d := gomail.NewDialer(p.Host, p.Port, p.From, p.Pass)
	// gomail has no context support; run the dial in a goroutine and race
	// it against ctx so a hung SMTP server cannot stall the processor.
	errCh := make(chan error, 1)
	go func() { errCh <- d.DialAndSend(m) }()
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// HTTPProvider posts JSON to an SMS or push gateway and expects
// {"message_id": "..."} back.
type HTTPProvider struct {
	URL    string
	APIKey string
	Field  string // recipient field name in the payload
	Client *http.Client
}

func (p *HTTPProvider) Send(ctx context.Context, msg Message) (string, error) {
	if p.URL == "" {
		return "", fmt.Errorf("gateway url not configured")
	}
	payload := map[string]string{
		p.Field:   msg.Recipient,
		"message": msg.Content,
	}
	if msg.Subject != "" {
		payload["title"] = msg.Subject
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &out); err == nil && out.MessageID != "" {
		return out.MessageID, nil
	}
	// Gateways that return no id still get a correlatable one from us.
	return uuid.New().String(), nil
}
