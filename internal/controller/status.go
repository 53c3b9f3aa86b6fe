package controller

import (
	"time"

	"github.com/linskybing/gpu-occupy/internal/guard"
	"github.com/linskybing/gpu-occupy/internal/trail"
)

// Status is a read-only, cross-process view of the controller. "Not running"
// is a legitimate state, never an error.
type Status struct {
	Running bool
	Record  *guard.Record
	Phase   Phase
	Recent  []trail.Entry
}

// ReadStatus inspects the singleton record, phase file and activity trail in
// stateDir. It never mutates controller state; the only side effect is
// clearing a record left behind by a crashed process, which by definition no
// controller owns anymore.
func ReadStatus(stateDir string, recentN int) (*Status, error) {
	g := guard.New(stateDir)
	rec, alive, err := g.Current()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Status{Phase: PhaseIdle}, nil
	}
	if !alive {
		_ = g.Release()
		return &Status{Phase: PhaseIdle}, nil
	}

	phase := Phase(trail.CurrentPhase(stateDir))
	if phase == "" {
		// record exists and process is alive but the phase file is not
		// written yet; the controller is still starting up
		phase = PhaseIdle
	}
	entries, err := trail.Read(stateDir, recentN, rec.RunID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Running: true,
		Record:  rec,
		Phase:   phase,
		Recent:  entries,
	}, nil
}

// CycleSince reports the occupation sub-state (bursting, resting or holding)
// and when it began, from the most recent cycle entry in the trail.
func (s *Status) CycleSince() (mode string, since time.Time, ok bool) {
	if s.Phase != PhaseOccupying {
		return "", time.Time{}, false
	}
	for i := len(s.Recent) - 1; i >= 0; i-- {
		e := s.Recent[i]
		if e.Event == trail.EventCycle {
			return e.Message, e.Time, true
		}
	}
	return "", time.Time{}, false
}
