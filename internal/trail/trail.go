// Package trail is the controller's externally readable activity record: an
// append-only JSON-lines event log plus a phase file replaced atomically on
// every lifecycle transition. Status queries read these files instead of
// scraping log text, and never mutate controller state.
package trail

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
)

const (
	trailFile = "occupy.trail"
	phaseFile = "occupy.phase"
)

// Event names. These are the machine-readable vocabulary of the trail;
// status reporting switches on them rather than on message text.
const (
	EventStarted      = "controller-started"
	EventPhaseChanged = "phase-changed"
	EventHoldProgress = "hold-progress"
	EventHoldReset    = "hold-reset"
	EventAllocated    = "allocated"
	EventCycle        = "cycle"
	EventReleased     = "released"
	EventStopped      = "controller-stopped"
	EventFailed       = "failure"
)

// Entry is one trail record.
type Entry struct {
	Time    time.Time         `json:"time"`
	RunID   string            `json:"runID"`
	Phase   string            `json:"phase"`
	Event   string            `json:"event"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Writer appends entries for one controller run. It owns the trail and phase
// files; exactly one Writer exists per run.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	phasePath string
	runID     string
	phase     string
}

// NewWriter truncates any previous trail and starts recording for runID.
func NewWriter(stateDir, runID string) (*Writer, error) {
	f, err := os.OpenFile(filepath.Join(stateDir, trailFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening activity trail: %w", err)
	}
	return &Writer{
		f:         f,
		enc:       json.NewEncoder(f),
		phasePath: filepath.Join(stateDir, phaseFile),
		runID:     runID,
	}, nil
}

// SetPhase records a lifecycle transition: the phase file is replaced
// atomically and a phase-changed entry is appended, in that order, so a
// status reader never sees an entry for a phase that is not yet current.
func (w *Writer) SetPhase(phase string) error {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()
	if err := renameio.WriteFile(w.phasePath, []byte(phase+"\n"), 0o644); err != nil {
		return fmt.Errorf("error writing phase file: %w", err)
	}
	return w.Append(EventPhaseChanged, phase, nil)
}

// Append records one event in the current phase.
func (w *Writer) Append(event, message string, fields map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(Entry{
		Time:    time.Now(),
		RunID:   w.runID,
		Phase:   w.phase,
		Event:   event,
		Message: message,
		Fields:  fields,
	})
}

// Close removes the phase file and closes the trail. The trail itself is
// left behind for post-mortem status queries.
func (w *Writer) Close() error {
	if err := os.Remove(w.phasePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.f.Close()
}

// CurrentPhase returns the recorded phase, or "" when no controller has one.
func CurrentPhase(stateDir string) string {
	data, err := os.ReadFile(filepath.Join(stateDir, phaseFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Read returns up to lastN trail entries, oldest first, optionally filtered
// to one run. A missing trail yields no entries and no error.
func Read(stateDir string, lastN int, runID string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(stateDir, trailFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening activity trail: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// torn final line from a crashed writer
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading activity trail: %w", err)
	}
	if lastN > 0 && len(entries) > lastN {
		entries = entries[len(entries)-lastN:]
	}
	return entries, nil
}
