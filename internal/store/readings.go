package store

import (
	"context"
	"fmt"
	"time"
)

// Reading kinds stored in sensor_readings.
const (
	KindAir  = "air"
	KindSoil = "soil"
)

// Reading is one row of sensor history. Value is relative humidity (0-100)
// for air and moisture fraction (0-1) for soil.
type Reading struct {
	ID           int64
	Kind         string
	TemperatureC float64
	Value        float64
	Timestamp    time.Time
}

// SaveReading stores a reading and sets its ID.
func (s *Store) SaveReading(ctx context.Context, r *Reading) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (kind, temperature_c, value, timestamp) VALUES (?, ?, ?, ?)`,
		r.Kind, r.TemperatureC, r.Value, formatInstant(r.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert id: %w", err)
	}
	r.ID = id
	return nil
}

// RecentReadings returns up to limit readings of kind, newest first.
func (s *Store) RecentReadings(ctx context.Context, kind string, limit int, loc *time.Location) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, temperature_c, value, timestamp
		FROM sensor_readings
		WHERE kind = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var ts string
		if err := rows.Scan(&r.ID, &r.Kind, &r.TemperatureC, &r.Value, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if r.Timestamp, err = parseInstant(ts, loc); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOldReadings removes readings taken before cutoff and returns how many went.
func (s *Store) DeleteOldReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sensor_readings WHERE timestamp < ?`, formatInstant(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old readings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
