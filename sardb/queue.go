/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package sardb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// A Delivery is one message taken from the durable job queue.
type Delivery struct {
	JobID   uuid.UUID
	Attempt int
}

// Enqueue schedules a poll of jobID no earlier than runAt. attempt is
// carried opaquely back to the consumer.
func (db *DB) Enqueue(ctx context.Context, jobID uuid.UUID, runAt time.Time, attempt int) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO job_queue (job_id, run_at, attempt)
		VALUES ($1, $2, $3)`, jobID, runAt, attempt)
	if err != nil {
		return fmt.Errorf("sardb: enqueuing job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue removes and returns up to limit due messages. Messages whose
// run_at lies in the future stay queued; rows locked by concurrent
// consumers are skipped, so two workers never receive the same message.
// An empty queue returns an empty slice.
//
// A message is consumed the moment this call returns. If the consumer
// crashes before finishing, the startup rescan of non-terminal jobs
// regenerates it; together the two give at-least-once delivery.
func (db *DB) Dequeue(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM job_queue
		WHERE id IN (
			SELECT id FROM job_queue
			WHERE run_at <= now()
			ORDER BY run_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, attempt`, limit)
	if err != nil {
		return nil, fmt.Errorf("sardb: dequeuing jobs: %w", err)
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.JobID, &d.Attempt); err != nil {
			return nil, fmt.Errorf("sardb: dequeuing jobs: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sardb: dequeuing jobs: %w", err)
	}
	return out, nil
}

// QueueDepth reports the number of queued messages, due or not.
func (db *DB) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM job_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sardb: reading queue depth: %w", err)
	}
	return n, nil
}
