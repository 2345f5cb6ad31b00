package domain

import "time"

// WebhookRobot is a chat robot endpoint notified about release events.
type WebhookRobot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
