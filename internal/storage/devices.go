package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/jackc/pgx/v5"
)

// SaveDevice inserts or replaces a device record with its connection config.
func (p *PostgresClient) SaveDevice(ctx context.Context, d types.Device) error {
	rec, err := toRecord(d)
	if err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO devices (device_id, name, kind, location, metadata, enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			location = EXCLUDED.location,
			metadata = EXCLUDED.metadata,
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config,
			updated_at = now()
	`, rec.DeviceID, rec.Name, rec.Kind, rec.Location, metadataJSON, rec.Enabled, rec.Config)
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.ID, err)
	}
	return nil
}

// LoadDevices returns all stored devices ordered by id.
func (p *PostgresClient) LoadDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT device_id, name, kind, location, metadata, enabled, config, created_at, updated_at
		FROM devices
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeviceRecord, error) {
		var (
			rec          DeviceRecord
			metadataJSON []byte
		)
		err := row.Scan(&rec.DeviceID, &rec.Name, &rec.Kind, &rec.Location,
			&metadataJSON, &rec.Enabled, &rec.Config, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return rec, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return rec, fmt.Errorf("metadata of %s: %w", rec.DeviceID, err)
			}
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}

	devices := make([]types.Device, 0, len(records))
	for _, rec := range records {
		d, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// DeleteDevice removes a stored device. Missing devices return pgx.ErrNoRows.
func (p *PostgresClient) DeleteDevice(ctx context.Context, deviceID string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func toRecord(d types.Device) (DeviceRecord, error) {
	rec := DeviceRecord{
		DeviceID: d.ID,
		Name:     d.Name,
		Kind:     d.Kind,
		Location: d.Location,
		Metadata: d.Metadata,
		Enabled:  d.Enabled,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	if d.Config != nil {
		cfgJSON, err := json.Marshal(d.Config)
		if err != nil {
			return rec, fmt.Errorf("failed to marshal config: %w", err)
		}
		rec.Config = cfgJSON
	}
	return rec, nil
}

func fromRecord(rec DeviceRecord) (types.Device, error) {
	d := types.Device{
		ID:        rec.DeviceID,
		Name:      rec.Name,
		Kind:      rec.Kind,
		Location:  rec.Location,
		Metadata:  rec.Metadata,
		Enabled:   rec.Enabled,
		Status:    types.DeviceStatusOffline,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Config) > 0 {
		var cfg types.DeviceConnectionConfig
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return d, fmt.Errorf("config of %s: %w", rec.DeviceID, err)
		}
		d.Config = &cfg
	}
	return d, nil
}
