// Package robot posts text notifications to chat robot webhooks.
package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrRejected indicates the robot endpoint refused the message (4xx).
var ErrRejected = errors.New("robot rejected message")

// ErrUnavailable indicates the robot endpoint failed (5xx or transport error).
var ErrUnavailable = errors.New("robot unavailable")

// Message is a text notification.
type Message struct {
	Title       string
	Content     string
	ProjectID   string
	Environment string
	OccurredAt  time.Time
}

// Text renders the message body shown in chat.
func (m Message) Text() string {
	var b strings.Builder
	if title := strings.TrimSpace(m.Title); title != "" {
		b.WriteString("[")
		b.WriteString(title)
		b.WriteString("] ")
	}
	b.WriteString(strings.TrimSpace(m.Content))
	if m.ProjectID != "" {
		fmt.Fprintf(&b, " (%s", m.ProjectID)
		if m.Environment != "" {
			fmt.Fprintf(&b, "/%s", m.Environment)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Sender delivers messages over HTTP.
type Sender struct {
	client *http.Client
	now    func() time.Time
}

// NewSender creates a Sender. A nil client gets a default with timeout.
func NewSender(client *http.Client, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	} else if client.Timeout == 0 {
		client.Timeout = timeout
	}
	return &Sender{client: client, now: time.Now}
}

// ValidateURL reports whether raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid robot url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("robot url must be an absolute http or https url")
	}
	return nil
}

// Send posts msg to the robot webhook at endpoint.
func (s *Sender) Send(ctx context.Context, endpoint string, msg Message) error {
	if s == nil {
		return errors.New("robot sender not initialised")
	}
	if err := ValidateURL(endpoint); err != nil {
		return err
	}
	body, err := json.Marshal(buildPayload(msg, s.now))
	if err != nil {
		return fmt.Errorf("marshal robot message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(endpoint), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build robot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	}
	return fmt.Errorf("%w: %s", ErrRejected, summary)
}

func buildPayload(msg Message, nowFn func() time.Time) map[string]any {
	occurred := msg.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	return map[string]any{
		"msgtype": "text",
		"text": map[string]string{
			"content": msg.Text(),
		},
		"occurred_at": occurred.UTC().Format(time.RFC3339),
	}
}
