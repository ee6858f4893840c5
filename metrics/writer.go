package metrics

import (
	"bufio"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Writer receives time-series scalars, keyed by step.
type Writer interface {
	AddScalar(name string, value float64, step int) error
}

// NopWriter discards all scalars.
type NopWriter struct{}

// AddScalar implements Writer.
func (NopWriter) AddScalar(string, float64, int) error { return nil }

// ScalarsFileName is the name of the file JSONLWriter writes to, in its directory.
const ScalarsFileName = "scalars.jsonl"

// scalarEvent is one line of the scalars file. Value is null for NaN or infinite values.
type scalarEvent struct {
	Run   string   `json:"run"`
	Time  string   `json:"time"`
	Name  string   `json:"name"`
	Step  int      `json:"step"`
	Value *float64 `json:"value"`
}

// JSONLWriter writes scalars as JSON lines, one object per scalar, tagged with a run id.
type JSONLWriter struct {
	// Dir where the scalars file is written.
	Dir string

	// RunID identifies the run in all events.
	RunID string

	f   *os.File
	buf *bufio.Writer
}

// NewJSONLWriter creates a JSONLWriter in a new directory under logDir, named after the checkpoint directory and
// the current time: "<logDir>/<base name of checkpointDir>.<timestamp>".
func NewJSONLWriter(logDir, checkpointDir string) (*JSONLWriter, error) {
	name := filepath.Base(checkpointDir) + "." + time.Now().Format("2006-01-02T15-04-05.000000")
	dir := filepath.Join(logDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create metrics directory %q", dir)
	}
	filePath := filepath.Join(dir, ScalarsFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create metrics file %q", filePath)
	}
	return &JSONLWriter{Dir: dir, RunID: uuid.NewString(), f: f, buf: bufio.NewWriter(f)}, nil
}

// AddScalar implements Writer.
func (w *JSONLWriter) AddScalar(name string, value float64, step int) error {
	event := scalarEvent{
		Run:  w.RunID,
		Time: time.Now().Format(time.RFC3339Nano),
		Name: name,
		Step: step,
	}
	if !math.IsNaN(value) && !math.IsInf(value, 0) {
		event.Value = &value
	}
	line, err := json.Marshal(&event)
	if err != nil {
		return errors.Wrapf(err, "failed to encode scalar %q", name)
	}
	line = append(line, '\n')
	if _, err = w.buf.Write(line); err != nil {
		return errors.Wrapf(err, "failed to write scalar %q to %q", name, w.Dir)
	}
	return nil
}

// Flush buffered scalars to disk.
func (w *JSONLWriter) Flush() error {
	return w.buf.Flush()
}

// Close flushes and closes the scalars file.
func (w *JSONLWriter) Close() error {
	err := w.buf.Flush()
	if closeErr := w.f.Close(); err == nil {
		err = closeErr
	}
	return err
}
