package store

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/model"
)

// EnqueueCommand appends a downlink command in pending state.
func (s *Store) EnqueueCommand(ctx context.Context, deviceID int64, commandType, payload string, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO command_queue (device_id, command_type, payload, max_retries)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		deviceID, commandType, payload, maxRetries,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue command: %w", err)
	}
	return id, nil
}

// PendingCommands lists a device's undelivered commands in creation order.
func (s *Store) PendingCommands(ctx context.Context, deviceID int64) ([]model.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, command_type, payload, status, retry_count,
		       max_retries, created_at, sent_at, acked_at, response
		FROM command_queue
		WHERE device_id = $1 AND status = 'pending'
		ORDER BY created_at, id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: pending commands: %w", err)
	}
	defer rows.Close()

	var commands []model.Command
	for rows.Next() {
		var c model.Command
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.CommandType, &c.Payload, &c.Status,
			&c.RetryCount, &c.MaxRetries, &c.CreatedAt, &c.SentAt, &c.AckedAt, &c.Response); err != nil {
			return nil, fmt.Errorf("store: pending commands: %w", err)
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: pending commands: %w", err)
	}
	return commands, nil
}

// MarkCommandSent flips a command to sent after a successful write.
func (s *Store) MarkCommandSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'sent', sent_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: mark sent: %w", err)
	}
	return nil
}

// MarkCommandAcked records a protocol-level acknowledgement on the newest
// sent command for the device.
func (s *Store) MarkCommandAcked(ctx context.Context, deviceID int64, response string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'acked', acked_at = NOW(), response = $2
		WHERE id = (
			SELECT id FROM command_queue
			WHERE device_id = $1 AND status = 'sent'
			ORDER BY sent_at DESC, id DESC
			LIMIT 1
		)`, deviceID, response)
	if err != nil {
		return fmt.Errorf("store: mark acked: %w", err)
	}
	return nil
}

// RecordCommandFailure bumps the retry counter; once the budget is exhausted
// the command is marked failed and will not be retried.
func (s *Store) RecordCommandFailure(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: record failure: %w", err)
	}
	return nil
}

// TimeoutStaleCommands expires sent commands that never got an ack.
func (s *Store) TimeoutStaleCommands(ctx context.Context, olderThanMinutes int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_queue SET status = 'timeout'
		WHERE status = 'sent'
		  AND sent_at < NOW() - make_interval(mins => $1)`, olderThanMinutes)
	if err != nil {
		return 0, fmt.Errorf("store: timeout commands: %w", err)
	}
	return tag.RowsAffected(), nil
}
