// Package alertstdout prints alerts to standard output, one JSON
// document per line.
package alertstdout

import (
	"encoding/json"
	"os"
	"sync"

	"kestrel/pkg/models"
)

// Writer emits alerts as JSON lines on stdout.
type Writer struct {
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a stdout writer.
func NewWriter() *Writer {
	return &Writer{encoder: json.NewEncoder(os.Stdout)}
}

// WriteAlerts prints a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, alert := range alerts {
		if err := w.encoder.Encode(alert); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; stdout is not owned by the writer.
func (w *Writer) Close() error {
	return nil
}
