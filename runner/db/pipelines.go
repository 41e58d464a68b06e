package db

import (
	"encoding/json"
	"fmt"
	"time"

	"bobbin.sh/core/notifier"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/workflow"
)

type Pipeline struct {
	Id      models.PipelineId        `json:"id"`
	Status  models.StatusKind        `json:"status"`
	Trigger workflow.TriggerMetadata `json:"trigger"`

	// only if Failed
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`

	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (db *DB) CreatePipeline(id models.PipelineId, trigger workflow.TriggerMetadata, n *notifier.Notifier) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		insert into pipelines (id, status, trigger)
		values (?, ?, ?)
	`, id, models.StatusKindPending, string(triggerJson))

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineRunning(id models.PipelineId, n *notifier.Notifier) error {
	_, err := db.Exec(`
			update pipelines
			set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			where id = ?
		`, models.StatusKindRunning, id)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineFailed(id models.PipelineId, exitCode int, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update pipelines
		set status = ?,
		    exit_code = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.StatusKindFailed, exitCode, errorMsg, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineTimeout(id models.PipelineId, n *notifier.Notifier) error {
	_, err := db.Exec(`
			update pipelines
			set status = ?,
			    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
			    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			where id = ?
		`, models.StatusKindTimeout, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkPipelineSuccess(id models.PipelineId, n *notifier.Notifier) error {
	_, err := db.Exec(`
			update pipelines
			set status = ?,
			    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
			    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			where id = ?
		`, models.StatusKindSuccess, id)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetPipeline(id models.PipelineId) (Pipeline, error) {
	var p Pipeline
	var triggerJson string
	var startedAt, updatedAt, finishedAt string
	err := db.QueryRow(`
		select id, status, trigger, error, exit_code, started_at, updated_at, finished_at
		from pipelines
		where id = ?
	`, id).Scan(&p.Id, &p.Status, &triggerJson, &p.Error, &p.ExitCode, &startedAt, &updatedAt, &finishedAt)
	if err != nil {
		return p, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &p.Trigger); err != nil {
		return p, err
	}

	p.StartedAt = parseTime(startedAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.FinishedAt = parseTime(finishedAt)
	return p, nil
}

func (db *DB) GetPipelines(cursor string) ([]Pipeline, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, status, trigger, error, exit_code, started_at, updated_at, finished_at
		from pipelines
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		var p Pipeline
		var triggerJson string
		var startedAt, updatedAt, finishedAt string
		if err := rows.Scan(&p.Id, &p.Status, &triggerJson, &p.Error, &p.ExitCode, &startedAt, &updatedAt, &finishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(triggerJson), &p.Trigger); err != nil {
			return nil, err
		}
		p.StartedAt = parseTime(startedAt)
		p.UpdatedAt = parseTime(updatedAt)
		p.FinishedAt = parseTime(finishedAt)
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}

// parseTime reads the RFC3339 strings sqlite produces. Unfinished
// pipelines store an empty finished_at, which maps to the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
