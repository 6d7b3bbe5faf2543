package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ezviz-cas/cas-bridge/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Defence command audit log
	CreateDefenceCommand(ctx context.Context, cmd *models.DefenceCommand) error
	GetDefenceCommand(ctx context.Context, id string) (*models.DefenceCommand, error)
	ListDefenceCommands(ctx context.Context, filters CommandFilters, limit, offset int) ([]*models.DefenceCommand, int64, error)

	// Close the store
	Close() error
}

// CommandFilters narrows ListDefenceCommands
type CommandFilters struct {
	DeviceSerial string
	Source       *models.CommandSource
	Success      *bool
	StartTime    *time.Time
	EndTime      *time.Time
}
