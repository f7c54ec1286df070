// Package hubcache stores the IoT Hub each provisioned device was assigned
// to, so restarts can skip the provisioning handshake.
package hubcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no assignment is stored for a device.
var ErrNotFound = errors.New("hubcache: assignment not found")

// Assignment is one stored hub assignment.
type Assignment struct {
	IDScope    string
	DeviceID   string
	HubHost    string
	AssignedAt time.Time
}

// SQLiteRepository persists assignments in the hub_assignments table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns the assignment for a device.
// Returns ErrNotFound if none is stored.
func (r *SQLiteRepository) Get(ctx context.Context, idScope, deviceID string) (*Assignment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id_scope, device_id, hub_host, assigned_at
		FROM hub_assignments
		WHERE id_scope = ? AND device_id = ?`, idScope, deviceID)

	var (
		a          Assignment
		assignedAt string
	)
	if err := row.Scan(&a.IDScope, &a.DeviceID, &a.HubHost, &assignedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying hub assignment: %w", err)
	}

	t, err := time.Parse(time.RFC3339, assignedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing assigned_at %q: %w", assignedAt, err)
	}
	a.AssignedAt = t
	return &a, nil
}

// Lookup returns the stored hub host, reporting false when none exists.
func (r *SQLiteRepository) Lookup(ctx context.Context, idScope, deviceID string) (string, bool, error) {
	a, err := r.Get(ctx, idScope, deviceID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return a.HubHost, true, nil
}

// Store records host as the device's assignment, replacing any previous one.
func (r *SQLiteRepository) Store(ctx context.Context, idScope, deviceID, host string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hub_assignments (id_scope, device_id, hub_host, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id_scope, device_id) DO UPDATE SET
			hub_host = excluded.hub_host,
			assigned_at = excluded.assigned_at`,
		idScope, deviceID, host, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing hub assignment: %w", err)
	}
	return nil
}

// Delete removes a device's assignment. Deleting a missing entry is not an error.
func (r *SQLiteRepository) Delete(ctx context.Context, idScope, deviceID string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM hub_assignments WHERE id_scope = ? AND device_id = ?", idScope, deviceID); err != nil {
		return fmt.Errorf("deleting hub assignment: %w", err)
	}
	return nil
}
