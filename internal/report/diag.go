package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PhaseTiming is one measured pipeline phase.
type PhaseTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// Diagnostics is the optional run diagnostics artifact.
type Diagnostics struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Config     any           `json:"config,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Phases     []PhaseTiming `json:"phases,omitempty"`
}

// Diag collects diagnostics over a run.
type Diag struct {
	mu    sync.Mutex
	inner Diagnostics
}

// NewDiag starts a diagnostics collection with a fresh run ID.
func NewDiag(config any) *Diag {
	return &Diag{inner: Diagnostics{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Config:    config,
	}}
}

// Warn appends a warning line.
func (d *Diag) Warn(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inner.Warnings = append(d.inner.Warnings, fmt.Sprintf(format, args...))
}

// Phase times fn under the given phase name.
func (d *Diag) Phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d.mu.Lock()
	d.inner.Phases = append(d.inner.Phases, PhaseTiming{Name: name, Duration: time.Since(start)})
	d.mu.Unlock()
	return err
}

// WriteJSON finalizes and renders the artifact.
func (d *Diag) WriteJSON(w io.Writer) error {
	d.mu.Lock()
	d.inner.FinishedAt = time.Now().UTC()
	snapshot := d.inner
	d.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("encoding diagnostics: %w", err)
	}
	return nil
}
