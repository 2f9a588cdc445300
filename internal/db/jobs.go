package db

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
)

// Job is a persisted unit of work in one of the named queues
// (deliver/apub/maintenance). job_id is a ULID, so creation order and
// lexicographic order coincide — "oldest pending" is a plain ORDER BY scan.
type Job struct {
	ID         string
	Queue      string
	Kind       string
	Status     string
	Attempt    int
	TimeoutSec int
	NextRunAt  time.Time
	UpdatedAt  time.Time
	Payload    string // JSON-encoded job arguments
}

// ErrJobNotFound is returned when a job id has no matching row.
var ErrJobNotFound = errors.New("db: job not found")

// Enqueue inserts a new job in pending state, runnable immediately.
// timeoutSec bounds how long a worker may hold the job before it's
// considered crashed and eligible for reclaim.
func (s *Store) Enqueue(queue, kind, payload string, timeoutSec int) (string, error) {
	id := ulid.Make().String()
	now := nowRFC3339()
	_, err := s.db.Exec(
		`INSERT INTO jobs (job_id, queue, kind, status, attempt, timeout_sec, next_run_at, updated_at, payload)
			VALUES (`+s.ph(1)+`, `+s.ph(2)+`, `+s.ph(3)+`, `+s.ph(4)+`, 0, `+s.ph(5)+`, `+s.ph(6)+`, `+s.ph(7)+`, `+s.ph(8)+`)`,
		id, queue, kind, JobPending, timeoutSec, now, now, payload,
	)
	return id, err
}

// EnqueueAt inserts a new job in pending state, runnable no earlier than
// runAt.
func (s *Store) EnqueueAt(queue, kind, payload string, timeoutSec int, runAt time.Time) (string, error) {
	id := ulid.Make().String()
	now := nowRFC3339()
	_, err := s.db.Exec(
		`INSERT INTO jobs (job_id, queue, kind, status, attempt, timeout_sec, next_run_at, updated_at, payload)
			VALUES (`+s.ph(1)+`, `+s.ph(2)+`, `+s.ph(3)+`, `+s.ph(4)+`, 0, `+s.ph(5)+`, `+s.ph(6)+`, `+s.ph(7)+`, `+s.ph(8)+`)`,
		id, queue, kind, JobPending, timeoutSec, runAt.UTC().Format(time.RFC3339Nano), now, payload,
	)
	return id, err
}

// ClaimNext atomically reclaims the oldest job in queue that is either
// pending-and-due, or running-but-stale (its worker crashed without
// completing it within timeout_sec), and marks it running. Returns
// ErrJobNotFound if nothing is claimable right now.
func (s *Store) ClaimNext(queue string) (Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Job{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	rows, err := tx.Query(
		`SELECT job_id, kind, status, attempt, timeout_sec, next_run_at, updated_at, payload
			FROM jobs WHERE queue = `+s.ph(1)+` AND status IN (`+s.ph(2)+`, `+s.ph(3)+`)
			ORDER BY job_id ASC`,
		queue, JobPending, JobRunning,
	)
	if err != nil {
		return Job{}, err
	}

	var candidate Job
	found := false
	for rows.Next() {
		var j Job
		var nextRunAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.Kind, &j.Status, &j.Attempt, &j.TimeoutSec, &nextRunAt, &updatedAt, &j.Payload); err != nil {
			rows.Close()
			return Job{}, err
		}
		j.Queue = queue
		j.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRunAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

		switch j.Status {
		case JobPending:
			if !j.NextRunAt.After(now) {
				candidate, found = j, true
			}
		case JobRunning:
			deadline := j.UpdatedAt.Add(time.Duration(j.TimeoutSec) * time.Second)
			if now.After(deadline) {
				j.Attempt++
				candidate, found = j, true
			}
		}
		if found {
			break
		}
	}
	rows.Close()
	if !found {
		return Job{}, ErrJobNotFound
	}

	if _, err := tx.Exec(
		`UPDATE jobs SET status = `+s.ph(1)+`, attempt = `+s.ph(2)+`, updated_at = `+s.ph(3)+` WHERE job_id = `+s.ph(4),
		JobRunning, candidate.Attempt, nowStr, candidate.ID,
	); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	candidate.Status = JobRunning
	candidate.UpdatedAt = now
	return candidate, nil
}

// CompleteJob removes a finished job from the queue.
func (s *Store) CompleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE job_id = `+s.ph(1), id)
	return err
}

// RetryJob requeues a failed job to run again at nextRunAt, for the
// caller's chosen backoff policy, and counts the failed run in its attempt.
func (s *Store) RetryJob(id string, nextRunAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = `+s.ph(1)+`, attempt = attempt + 1, next_run_at = `+s.ph(2)+`, updated_at = `+s.ph(3)+` WHERE job_id = `+s.ph(4),
		JobPending, nextRunAt.UTC().Format(time.RFC3339Nano), nowRFC3339(), id,
	)
	return err
}

// DropJob removes a job permanently without retry (exhausted backoff, or a
// non-retriable error).
func (s *Store) DropJob(id string) error {
	return s.CompleteJob(id)
}

// PendingCount returns how many jobs are pending or running in queue, for
// admin/metrics reporting.
func (s *Store) PendingCount(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE queue = `+s.ph(1)+` AND status IN (`+s.ph(2)+`, `+s.ph(3)+`)`,
		queue, JobPending, JobRunning,
	).Scan(&n)
	return n, err
}
