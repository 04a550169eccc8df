package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// LogStatusEvent inserts a status transition.
func (s *Store) LogStatusEvent(event StatusEvent) error {
	if strings.TrimSpace(event.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if err := validateStatus(event.ToStatus); err != nil {
		return err
	}
	if event.FromStatus != nil && *event.FromStatus == "" {
		event.FromStatus = nil
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO status_events (
			peer_id,
			from_status,
			to_status,
			detail,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerID,
		nullString(event.FromStatus),
		event.ToStatus,
		event.Detail,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert status event for %q: %w", event.PeerID, err)
	}
	return nil
}

// GetStatusEvents returns recent transitions, newest first, with optional filtering.
func (s *Store) GetStatusEvents(filter StatusEventFilter) ([]StatusEvent, error) {
	if filter.ToStatus != "" {
		if err := validateStatus(filter.ToStatus); err != nil {
			return nil, err
		}
	}
	limit, offset := clampPage(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		peer_id,
		from_status,
		to_status,
		detail,
		timestamp
	FROM status_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.ToStatus != "" {
		where = append(where, "to_status = ?")
		args = append(args, filter.ToStatus)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get status events: %w", err)
	}
	defer rows.Close()

	events := make([]StatusEvent, 0)
	for rows.Next() {
		event, err := scanStatusEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status event rows: %w", err)
	}

	return events, nil
}

// LatestStatusEvent returns the newest transition recorded for peerID.
func (s *Store) LatestStatusEvent(peerID string) (StatusEvent, error) {
	row := s.db.QueryRow(
		`SELECT id, peer_id, from_status, to_status, detail, timestamp
		FROM status_events
		WHERE peer_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`,
		peerID,
	)
	event, err := scanStatusEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusEvent{}, ErrNotFound
	}
	if err != nil {
		return StatusEvent{}, fmt.Errorf("get latest status event for %q: %w", peerID, err)
	}
	return *event, nil
}

// PruneHistory removes journal rows older than cutoffTimestamp from every table.
func (s *Store) PruneHistory(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	var total int64
	for _, table := range []string{"status_events", "probe_attempts"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoffTimestamp)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("read rows affected for %s prune: %w", table, err)
		}
		total += rowsAffected
	}

	return total, nil
}

func scanStatusEvent(row scanner) (*StatusEvent, error) {
	var (
		event      StatusEvent
		fromStatus sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.PeerID,
		&fromStatus,
		&event.ToStatus,
		&event.Detail,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.FromStatus = stringPtr(fromStatus)
	return &event, nil
}
