package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogLine is one entry in a job's log file. Data lines carry step
// output; control lines mark step transitions.
type LogLine struct {
	Kind      string     `json:"kind"`
	StepIndex int        `json:"step"`
	Stream    string     `json:"stream,omitempty"`
	Data      string     `json:"data,omitempty"`
	StepName  string     `json:"step_name,omitempty"`
	Status    StepStatus `json:"status,omitempty"`
}

func NewDataLogLine(idx int, line, stream string) LogLine {
	return LogLine{
		Kind:      "data",
		StepIndex: idx,
		Stream:    stream,
		Data:      line,
	}
}

func NewControlLogLine(idx int, step Step, stepStatus StepStatus) LogLine {
	return LogLine{
		Kind:      "control",
		StepIndex: idx,
		StepName:  step.Name(),
		Status:    stepStatus,
	}
}

type JobLogger struct {
	file    *os.File
	encoder *json.Encoder
}

func NewJobLogger(baseDir string, jid JobId) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, jid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, jid JobId) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", jid.String()))
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *JobLogger) Control(idx int, step Step, stepStatus StepStatus) error {
	return l.encoder.Encode(NewControlLogLine(idx, step, stepStatus))
}

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encoder.Encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
