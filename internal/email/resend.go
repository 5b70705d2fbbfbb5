package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultResendURL = "https://api.resend.com/emails"

// ResendClient sends billing notifications through the Resend HTTP API.
type ResendClient struct {
	apiKey     string
	from       string
	baseURL    string
	httpClient *http.Client
}

func NewResendClient(apiKey, from string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		from:       from,
		baseURL:    defaultResendURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.from != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent, textContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
		Text:    textContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// Notify renders n and sends it to its recipient.
func (c *ResendClient) Notify(ctx context.Context, n Notification) error {
	if n.To == "" {
		return fmt.Errorf("%w: notification %s has no recipient", ErrSendFailed, n.Kind)
	}
	subject, html, text := render(n)
	return c.SendEmail(ctx, n.To, subject, html, text)
}
