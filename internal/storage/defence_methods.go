package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ezviz-cas/cas-bridge/internal/models"
)

const defenceColumns = "id, created_at, device_serial, enable, success, error, source, requested_by, duration_ms, details"

// CreateDefenceCommand records a defence command
func (s *PostgresStore) CreateDefenceCommand(ctx context.Context, cmd *models.DefenceCommand) error {
	if cmd.DeviceSerial == "" {
		return fmt.Errorf("%w: device serial is required", ErrInvalidData)
	}
	cmd.Touch()

	query := `
        INSERT INTO defence_commands (` + defenceColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		cmd.ID, cmd.CreatedAt, cmd.DeviceSerial, cmd.Enable, cmd.Success,
		cmd.Error, cmd.Source, cmd.RequestedBy, cmd.DurationMS, cmd.Details,
	)
	return err
}

// GetDefenceCommand loads one command by id
func (s *PostgresStore) GetDefenceCommand(ctx context.Context, id string) (*models.DefenceCommand, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	row := s.getDB().QueryRowContext(ctx, "SELECT "+defenceColumns+" FROM defence_commands WHERE id = $1", uid)
	cmd, err := scanDefenceCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cmd, err
}

// ListDefenceCommands lists commands newest first with filters
func (s *PostgresStore) ListDefenceCommands(ctx context.Context, filters CommandFilters, limit, offset int) ([]*models.DefenceCommand, int64, error) {
	where, args := filters.where()

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM defence_commands"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + defenceColumns + " FROM defence_commands" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cmds []*models.DefenceCommand
	for rows.Next() {
		cmd, err := scanDefenceCommand(rows)
		if err != nil {
			return nil, 0, err
		}
		cmds = append(cmds, cmd)
	}

	return cmds, count, rows.Err()
}

// where builds the WHERE clause and its positional args
func (f CommandFilters) where() (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.DeviceSerial != "" {
		add("device_serial = $%d", f.DeviceSerial)
	}
	if f.Source != nil {
		add("source = $%d", *f.Source)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.StartTime != nil {
		add("created_at >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("created_at <= $%d", *f.EndTime)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefenceCommand(row rowScanner) (*models.DefenceCommand, error) {
	cmd := &models.DefenceCommand{}
	err := row.Scan(
		&cmd.ID, &cmd.CreatedAt, &cmd.DeviceSerial, &cmd.Enable, &cmd.Success,
		&cmd.Error, &cmd.Source, &cmd.RequestedBy, &cmd.DurationMS, &cmd.Details,
	)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}
