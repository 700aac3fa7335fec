package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// IncidentRecorder keeps a durable trail of remediation attempts.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, inc models.Incident) error
}

// DecisionLogger appends incidents to a JSON-lines file, rotated daily.
type DecisionLogger struct {
	mu   sync.Mutex
	file *logging.RotatingFile
}

func NewDecisionLogger(path string) (*DecisionLogger, error) {
	file, err := logging.OpenRotating(path, 0, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log: %w", err)
	}
	return &DecisionLogger{file: file}, nil
}

func (dl *DecisionLogger) RecordIncident(_ context.Context, inc models.Incident) error {
	inc.Finalize()
	data, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, err = dl.file.Write(data)
	return err
}

func (dl *DecisionLogger) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.file.Close()
}
