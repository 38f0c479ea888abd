package db

import (
	"context"

	"homehub/internal/models"
	"homehub/internal/store"
)

func (d *DB) FindRoom(ctx context.Context, id string) (*models.Room, error) {
	var r models.Room
	err := d.pool.QueryRow(ctx,
		"SELECT id, name, owner_id, password_hash, esp_component_connected FROM rooms WHERE id = $1", id).
		Scan(&r.ID, &r.Name, &r.OwnerID, &r.PasswordHash, &r.ESPConnected)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (d *DB) SetRoomConnected(ctx context.Context, id string, connected bool) error {
	tag, err := d.pool.Exec(ctx, "UPDATE rooms SET esp_component_connected = $2 WHERE id = $1", id, connected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SeedRoom inserts or replaces a room record. The connected flag is left
// alone on conflict.
func (d *DB) SeedRoom(ctx context.Context, r models.Room) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, owner_id, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			password_hash = EXCLUDED.password_hash`,
		r.ID, r.Name, r.OwnerID, r.PasswordHash)
	return err
}
