package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// LogProbeAttempt inserts a probe attempt.
func (s *Store) LogProbeAttempt(attempt ProbeAttempt) error {
	if strings.TrimSpace(attempt.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if attempt.Timestamp == 0 {
		attempt.Timestamp = nowUnixMilli()
	}

	addresses, err := marshalList(attempt.AddressesTried)
	if err != nil {
		return fmt.Errorf("encode addresses tried: %w", err)
	}
	ports, err := marshalList(attempt.PortsTried)
	if err != nil {
		return fmt.Errorf("encode ports tried: %w", err)
	}
	errs, err := marshalList(attempt.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	success := 0
	if attempt.Success {
		success = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO probe_attempts (
			peer_id,
			success,
			working_url,
			addresses_tried,
			ports_tried,
			errors,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.PeerID,
		success,
		nullString(attempt.WorkingURL),
		addresses,
		ports,
		errs,
		attempt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert probe attempt for %q: %w", attempt.PeerID, err)
	}
	return nil
}

// GetProbeAttempts returns recent probe attempts, newest first.
func (s *Store) GetProbeAttempts(filter ProbeAttemptFilter) ([]ProbeAttempt, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		peer_id,
		success,
		working_url,
		addresses_tried,
		ports_tried,
		errors,
		timestamp
	FROM probe_attempts`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		if *filter.Success {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get probe attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]ProbeAttempt, 0)
	for rows.Next() {
		attempt, err := scanProbeAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan probe attempt row: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate probe attempt rows: %w", err)
	}

	return attempts, nil
}

func scanProbeAttempt(row scanner) (*ProbeAttempt, error) {
	var (
		attempt    ProbeAttempt
		success    int
		workingURL sql.NullString
		addresses  string
		ports      string
		errs       string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.PeerID,
		&success,
		&workingURL,
		&addresses,
		&ports,
		&errs,
		&attempt.Timestamp,
	); err != nil {
		return nil, err
	}

	attempt.Success = success != 0
	attempt.WorkingURL = stringPtr(workingURL)
	if err := json.Unmarshal([]byte(addresses), &attempt.AddressesTried); err != nil {
		return nil, fmt.Errorf("decode addresses tried: %w", err)
	}
	if err := json.Unmarshal([]byte(ports), &attempt.PortsTried); err != nil {
		return nil, fmt.Errorf("decode ports tried: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &attempt.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	return &attempt, nil
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
