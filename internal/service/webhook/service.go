package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/metrics"
	"github.com/chen-liangping/Omni/internal/repository"
	"github.com/chen-liangping/Omni/pkg/config"
	"github.com/chen-liangping/Omni/pkg/robot"
)

// Notification outcomes.
const (
	ResultDispatched = "dispatched"
	ResultLogged     = "logged"
	ResultSkipped    = "skipped"
	ResultFailed     = "failed"
)

// RobotInput carries robot attributes for create and update.
type RobotInput struct {
	Name    string
	URL     string
	Enabled *bool
}

// Sender posts messages to robot endpoints.
type Sender interface {
	Send(ctx context.Context, endpoint string, msg robot.Message) error
}

// Service manages notification robots and dispatches messages to them.
type Service struct {
	repo    repository.WebhookRepository
	sender  Sender
	logger  *slog.Logger
	cfg     config.ServerConfig
	metrics *metrics.Recorder
	now     func() time.Time
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, sender Sender, logger *slog.Logger, cfg config.ServerConfig, rec *metrics.Recorder) Service {
	if sender == nil {
		sender = robot.NewSender(nil, cfg.WebhookTimeout)
	}
	return Service{repo: repo, sender: sender, logger: logger, cfg: cfg, metrics: rec, now: time.Now}
}

func validate(input RobotInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: robot name is required", domain.ErrValidation)
	}
	if strings.TrimSpace(input.URL) == "" {
		return fmt.Errorf("%w: robot url is required", domain.ErrValidation)
	}
	if err := robot.ValidateURL(input.URL); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// List returns every robot.
func (s Service) List(ctx context.Context) ([]domain.WebhookRobot, error) {
	return s.repo.ListRobots(ctx)
}

// Create registers a robot, enabled unless stated otherwise.
func (s Service) Create(ctx context.Context, input RobotInput) (*domain.WebhookRobot, error) {
	if err := validate(input); err != nil {
		return nil, err
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}
	r := &domain.WebhookRobot{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(input.Name),
		URL:       strings.TrimSpace(input.URL),
		Enabled:   enabled,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.UpsertRobot(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("robot created", "robot_id", r.ID, "name", r.Name)
	return r, nil
}

// Update replaces a robot's name and url and optionally toggles it.
func (s Service) Update(ctx context.Context, robotID string, input RobotInput) (*domain.WebhookRobot, error) {
	if err := validate(input); err != nil {
		return nil, err
	}
	r, err := s.repo.GetRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	r.Name = strings.TrimSpace(input.Name)
	r.URL = strings.TrimSpace(input.URL)
	if input.Enabled != nil {
		r.Enabled = *input.Enabled
	}
	if err := s.repo.UpsertRobot(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("robot updated", "robot_id", r.ID, "enabled", r.Enabled)
	return r, nil
}

// Delete removes a robot.
func (s Service) Delete(ctx context.Context, robotID string) error {
	if err := s.repo.DeleteRobot(ctx, robotID); err != nil {
		return err
	}
	s.logger.Info("robot deleted", "robot_id", robotID)
	return nil
}

// Notify delivers msg to each enabled robot in robotIDs. Delivery problems are
// logged and counted, never returned.
func (s Service) Notify(ctx context.Context, robotIDs []string, msg robot.Message) {
	if len(robotIDs) == 0 {
		return
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = s.now().UTC()
	}
	seen := make(map[string]struct{}, len(robotIDs))
	for _, id := range robotIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		r, err := s.repo.GetRobot(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("robot lookup failed", "robot_id", id, "error", err)
			}
			s.metrics.Notification(ResultSkipped)
			continue
		}
		if !r.Enabled {
			s.metrics.Notification(ResultSkipped)
			continue
		}
		if !s.cfg.WebhookDispatch {
			s.logger.Info("robot notification", "robot_id", r.ID, "robot", r.Name, "message", msg.Text())
			s.metrics.Notification(ResultLogged)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout())
		err = s.sender.Send(sendCtx, r.URL, msg)
		cancel()
		if err != nil {
			s.logger.Warn("robot notification failed", "robot_id", r.ID, "error", err)
			s.metrics.Notification(ResultFailed)
			continue
		}
		s.metrics.Notification(ResultDispatched)
	}
}

func (s Service) timeout() time.Duration {
	if s.cfg.WebhookTimeout > 0 {
		return s.cfg.WebhookTimeout
	}
	return 5 * time.Second
}
