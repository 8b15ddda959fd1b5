package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/pinrelay/internal/profile"
)

// GraphKey identifies the history of one pin.
type GraphKey struct {
	UserID  string
	DashID  int
	PinType profile.PinType
	Pin     int
}

// GraphPoint is one sample. TS is in milliseconds since the epoch.
type GraphPoint struct {
	TS    int64
	Value float64
}

// AppendGraphPoint stores a sample.
func (s *Store) AppendGraphPoint(ctx context.Context, key GraphKey, p GraphPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_points (user_id, dash_id, pin_type, pin, ts, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.UserID, key.DashID, string(key.PinType), key.Pin, p.TS, p.Value)
	if err != nil {
		return fmt.Errorf("append graph point: %w", err)
	}
	return nil
}

// GraphPoints returns the samples since from, averaged per period. Each
// point is stamped with the start of its period.
func (s *Store) GraphPoints(ctx context.Context, key GraphKey, from time.Time, period time.Duration) ([]GraphPoint, error) {
	step := period.Milliseconds()
	if step <= 0 {
		return nil, fmt.Errorf("graph points: invalid period %s", period)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts / ? AS bucket, AVG(value)
		FROM graph_points
		WHERE user_id = ? AND dash_id = ? AND pin_type = ? AND pin = ? AND ts >= ?
		GROUP BY bucket
		ORDER BY bucket
	`, step, key.UserID, key.DashID, string(key.PinType), key.Pin, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("graph points: %w", err)
	}
	defer rows.Close()

	var points []GraphPoint
	for rows.Next() {
		var bucket int64
		var avg float64
		if err := rows.Scan(&bucket, &avg); err != nil {
			return nil, fmt.Errorf("graph points: %w", err)
		}
		points = append(points, GraphPoint{TS: bucket * step, Value: avg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph points: %w", err)
	}
	return points, nil
}

// DeleteGraph removes the whole history of a pin.
func (s *Store) DeleteGraph(ctx context.Context, key GraphKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM graph_points WHERE user_id = ? AND dash_id = ? AND pin_type = ? AND pin = ?
	`, key.UserID, key.DashID, string(key.PinType), key.Pin)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return nil
}
