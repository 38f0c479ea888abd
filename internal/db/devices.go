package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"homehub/internal/models"
	"homehub/internal/store"
)

const deviceColumns = `id, name, type, status, COALESCE(room_id, ''), owner_id, access_list,
	capabilities, slot_order, active, component_hash, updated_at`

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Status, &d.RoomID, &d.OwnerID, &d.AccessList,
		&d.Capabilities, &d.Order, &d.Active, &d.ComponentHash, &d.UpdatedAt)
	return d, err
}

func (d *DB) FindDevice(ctx context.Context, id string) (*models.Device, error) {
	dev, err := scanDevice(d.pool.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (d *DB) UpdateDeviceStatus(ctx context.Context, id, status string, at time.Time) error {
	tag, err := d.pool.Exec(ctx, "UPDATE devices SET status = $2, updated_at = $3 WHERE id = $1", id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateDeviceOrder relies on the partial unique index to refuse a slot
// held by another active device of the room.
func (d *DB) UpdateDeviceOrder(ctx context.Context, id string, order int) error {
	tag, err := d.pool.Exec(ctx, "UPDATE devices SET slot_order = $2 WHERE id = $1", id, order)
	if err != nil {
		return slotError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) FindActiveDeviceByOrder(ctx context.Context, roomID string, order int) (*models.Device, error) {
	dev, err := scanDevice(d.pool.QueryRow(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE room_id = $1 AND slot_order = $2 AND active", roomID, order))
	if err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (d *DB) ListRoomDevices(ctx context.Context, roomID string) ([]models.Device, error) {
	rows, err := d.pool.Query(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE room_id = $1 ORDER BY slot_order, name", roomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Device, error) {
		return scanDevice(row)
	})
}

// SeedDevice inserts or replaces a device record.
func (d *DB) SeedDevice(ctx context.Context, dev models.Device) error {
	if dev.AccessList == nil {
		dev.AccessList = []string{}
	}
	if dev.Capabilities == nil {
		dev.Capabilities = map[string]bool{}
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO devices (id, name, type, status, room_id, owner_id, access_list, capabilities, slot_order, active, component_hash)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			room_id = EXCLUDED.room_id,
			owner_id = EXCLUDED.owner_id,
			access_list = EXCLUDED.access_list,
			capabilities = EXCLUDED.capabilities,
			slot_order = EXCLUDED.slot_order,
			active = EXCLUDED.active,
			component_hash = EXCLUDED.component_hash`,
		dev.ID, dev.Name, dev.Type, dev.Status, dev.RoomID, dev.OwnerID, dev.AccessList,
		dev.Capabilities, dev.Order, dev.Active, dev.ComponentHash)
	return slotError(err)
}
