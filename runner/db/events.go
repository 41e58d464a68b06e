package db

import (
	"encoding/json"
	"fmt"
	"time"

	"bobbin.sh/core/notifier"
	"bobbin.sh/core/runner/models"
)

type Event struct {
	PipelineId models.PipelineId `json:"pipeline_id"`
	Created    int64             `json:"created"`
	EventJson  string            `json:"event"`
}

// WorkflowStatus is the event payload recorded for every workflow
// status transition. It is what clients see on the event stream.
type WorkflowStatus struct {
	Pipeline  models.PipelineId `json:"pipeline"`
	Workflow  string            `json:"workflow"`
	Status    models.StatusKind `json:"status"`
	Error     *string           `json:"error,omitempty"`
	ExitCode  *int64            `json:"exit_code,omitempty"`
	CreatedAt string            `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, notifier *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (pipeline_id, event, created) values (?, ?, ?)`,
		event.PipelineId,
		event.EventJson,
		event.Created,
	)

	notifier.NotifyAll()

	return err
}

func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select pipeline_id, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.PipelineId, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(
	workflowId models.WorkflowId,
	statusKind models.StatusKind,
	workflowError *string,
	exitCode *int64,
	n *notifier.Notifier,
) error {
	now := time.Now()
	s := WorkflowStatus{
		Pipeline:  workflowId.PipelineId,
		Workflow:  workflowId.Name,
		Status:    statusKind,
		Error:     workflowError,
		ExitCode:  exitCode,
		CreatedAt: now.Format(time.RFC3339),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		PipelineId: workflowId.PipelineId,
		Created:    now.UnixNano(),
		EventJson:  string(eventJson),
	}

	return d.InsertEvent(event, n)
}

func (d *DB) GetStatus(workflowId models.WorkflowId) (*WorkflowStatus, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			pipeline_id = ?
			and json_extract(event, '$.workflow') = ?
		order by
			created desc
		limit
			1
		`,
		workflowId.PipelineId,
		workflowId.Name,
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var status WorkflowStatus
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

func (d *DB) StatusPending(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindPending, nil, nil, n)
}

func (d *DB) StatusRunning(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindRunning, nil, nil, n)
}

func (d *DB) StatusFailed(workflowId models.WorkflowId, workflowError string, exitCode int64, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindFailed, &workflowError, &exitCode, n)
}

func (d *DB) StatusSuccess(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindSuccess, nil, nil, n)
}

func (d *DB) StatusTimeout(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindTimeout, nil, nil, n)
}
