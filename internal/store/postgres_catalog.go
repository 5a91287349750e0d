package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

const (
	collectionQuery = `SELECT id, name FROM collections WHERE id = $1`

	collectionSensorsQuery = `
		SELECT s.id, s.serial_number, COALESCE(s.model, ''), COALESCE(t.name, ''),
		       t.data_config, cs.valid_from, cs.valid_to
		FROM collection_sensors cs
		JOIN sensors s ON s.id = cs.sensor_id
		LEFT JOIN sensor_types t ON t.id = s.type_id
		WHERE cs.collection_id = $1
		ORDER BY s.serial_number`
)

// PostgresCatalog reads collections and their sensors.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a catalog over db.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// Collection loads a collection with its sensors. An unknown id returns an
// error wrapping core.ErrCollectionNotFound. A sensor type whose data_config
// does not decode is logged and treated as having no layout.
func (c *PostgresCatalog) Collection(ctx context.Context, id string) (*core.Collection, error) {
	var coll core.Collection
	err := c.db.QueryRowContext(ctx, collectionQuery, id).Scan(&coll.ID, &coll.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", id, err)
	}

	rows, err := c.db.QueryContext(ctx, collectionSensorsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("load sensors of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s         core.Sensor
			config    []byte
			validFrom sql.NullTime
			validTo   sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.SerialNumber, &s.Model, &s.TypeName, &config, &validFrom, &validTo); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		if validFrom.Valid {
			t := validFrom.Time.UTC()
			s.ValidFrom = &t
		}
		if validTo.Valid {
			t := validTo.Time.UTC()
			s.ValidTo = &t
		}
		if len(config) > 0 && string(config) != "null" {
			var layout core.ColumnLayout
			if err := json.Unmarshal(config, &layout); err != nil {
				slog.Warn("ignoring invalid sensor type layout",
					"sensor_type", s.TypeName,
					"sensor_id", s.ID,
					"error", err,
				)
			} else {
				s.Layout = &layout
			}
		}
		coll.Sensors = append(coll.Sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return &coll, nil
}
