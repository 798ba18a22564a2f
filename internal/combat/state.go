package combat

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState      = errors.New("invalid encounter state")
	ErrNotStarted        = errors.New("encounter not started")
	ErrAlreadyStarted    = errors.New("encounter already started")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrUnknownAdjustment = errors.New("unknown resource adjustment")
)

// Resource is a per-army counter.
type Resource string

const (
	ResourceCP Resource = "cp"
	ResourceVP Resource = "vp"
)

// EncounterState is the persisted aggregate of one encounter.
type EncounterState struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Started bool           `json:"started"`
	Phase   Phase          `json:"phase,omitempty"`
	Armies  []string       `json:"armies"`
	CP      map[string]int `json:"cp"`
	VP      map[string]int `json:"vp"`
	Turn    int            `json:"turn"`
	Round   int            `json:"round"`
}

// NewState returns an encounter that has not started yet.
func NewState(id, name string) EncounterState {
	return EncounterState{ID: id, Name: name, Armies: []string{}, CP: map[string]int{}, VP: map[string]int{}}
}

// Clone returns a deep copy.
func (s EncounterState) Clone() EncounterState {
	out := s
	out.Armies = append([]string(nil), s.Armies...)
	out.CP = cloneCounts(s.CP)
	out.VP = cloneCounts(s.VP)
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate checks a state loaded from storage.
func (s EncounterState) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidState)
	}
	if s.Started {
		if !s.Phase.Valid() {
			return fmt.Errorf("%w: phase %q", ErrInvalidState, s.Phase)
		}
		if s.Round < 1 {
			return fmt.Errorf("%w: round %d", ErrInvalidState, s.Round)
		}
	} else if s.Phase != "" {
		return fmt.Errorf("%w: phase %q before start", ErrInvalidState, s.Phase)
	}
	if s.Turn < 0 {
		return fmt.Errorf("%w: turn %d", ErrInvalidState, s.Turn)
	}
	seen := make(map[string]bool, len(s.Armies))
	for _, a := range s.Armies {
		if a == "" || seen[a] {
			return fmt.Errorf("%w: army key %q", ErrInvalidState, a)
		}
		seen[a] = true
	}
	for k, v := range s.CP {
		if v < 0 {
			return fmt.Errorf("%w: cp[%s]=%d", ErrInvalidState, k, v)
		}
	}
	for k, v := range s.VP {
		if v < 0 {
			return fmt.Errorf("%w: vp[%s]=%d", ErrInvalidState, k, v)
		}
	}
	return nil
}

func (s *EncounterState) counts(kind Resource) (map[string]int, error) {
	switch kind {
	case ResourceCP:
		if s.CP == nil {
			s.CP = map[string]int{}
		}
		return s.CP, nil
	case ResourceVP:
		if s.VP == nil {
			s.VP = map[string]int{}
		}
		return s.VP, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, kind)
	}
}

func (s EncounterState) hasArmy(key string) bool {
	for _, a := range s.Armies {
		if a == key {
			return true
		}
	}
	return false
}

// Combatant is one participant. Initiative is only a sort key that keeps
// armies contiguous in the turn order.
type Combatant struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name"`
	Initiative int    `json:"initiative"`
}
