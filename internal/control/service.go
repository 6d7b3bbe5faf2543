// Package control runs defence commands against cameras and records them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ezviz-cas/cas-bridge/internal/models"
	"github.com/ezviz-cas/cas-bridge/internal/validation"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

// SubjectDefenceChanged returns the subject a command outcome is published on
func SubjectDefenceChanged(serial string) string {
	return "cas.device." + serial + ".defence.changed"
}

// Controller switches a camera's defence mode. *cas.Client implements it.
type Controller interface {
	SetCameraDefenceState(ctx context.Context, serial string, enable int) (bool, error)
}

// CommandRecorder persists audited commands. storage.Store implements it.
type CommandRecorder interface {
	CreateDefenceCommand(ctx context.Context, cmd *models.DefenceCommand) error
}

// EventPublisher publishes raw messages. *nats.Conn implements it.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// Request asks for a defence mode change
type Request struct {
	Serial      string               `json:"serial" validate:"required,alnum,max=32"`
	Enable      int                  `json:"enable" validate:"oneof=0 1"`
	Source      models.CommandSource `json:"source" validate:"required"`
	RequestedBy string               `json:"requestedBy,omitempty" validate:"latin1"`
}

// Service validates, executes, audits and announces defence commands.
// The recorder and publisher are optional.
type Service struct {
	controller Controller
	recorder   CommandRecorder
	publisher  EventPublisher
	validator  *validation.Validator
}

// NewService creates a defence service
func NewService(controller Controller, recorder CommandRecorder, publisher EventPublisher) *Service {
	return &Service{
		controller: controller,
		recorder:   recorder,
		publisher:  publisher,
		validator:  validation.NewValidator(),
	}
}

// SetDefence runs req and returns the audited command. The error is the
// controller's error; audit and publish failures are logged only.
func (s *Service) SetDefence(ctx context.Context, req Request) (*models.DefenceCommand, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("serial", req.Serial).
		Int("enable", req.Enable).
		Str("source", string(req.Source)).
		Logger()

	start := time.Now()
	ok, err := s.controller.SetCameraDefenceState(ctx, req.Serial, req.Enable)

	cmd := &models.DefenceCommand{
		DeviceSerial: req.Serial,
		Enable:       req.Enable,
		Success:      ok && err == nil,
		Source:       req.Source,
		RequestedBy:  req.RequestedBy,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	cmd.Touch()

	if err != nil {
		cmd.Error = err.Error()
		cmd.Details = failureDetails(err)
		logger.Warn().Err(err).Int64("duration_ms", cmd.DurationMS).Msg("defence command failed")
	} else {
		logger.Info().Int64("duration_ms", cmd.DurationMS).Msg("defence command sent")
	}

	// audit even when the caller has gone away
	auditCtx := context.WithoutCancel(ctx)
	s.record(auditCtx, cmd)
	s.publish(cmd)

	if err == nil && !ok {
		err = fmt.Errorf("defence command for %s was not acknowledged", req.Serial)
	}
	return cmd, err
}

func (s *Service) record(ctx context.Context, cmd *models.DefenceCommand) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.CreateDefenceCommand(ctx, cmd); err != nil {
		log.Error().Err(err).Str("serial", cmd.DeviceSerial).Msg("failed to record defence command")
	}
}

func (s *Service) publish(cmd *models.DefenceCommand) {
	if s.publisher == nil {
		return
	}

	data, err := json.Marshal(models.NewDefenceEvent(cmd))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal defence event")
		return
	}

	if err := s.publisher.Publish(SubjectDefenceChanged(cmd.DeviceSerial), data); err != nil {
		log.Error().Err(err).Str("serial", cmd.DeviceSerial).Msg("failed to publish defence event")
	}
}

// failureDetails keeps the protocol state and error class for the audit row
func failureDetails(err error) models.Variables {
	details := models.Variables{"kind": Classify(err).String()}

	var opErr *cas.OpError
	if errors.As(err, &opErr) {
		details["state"] = opErr.State.String()
	}
	return details
}
