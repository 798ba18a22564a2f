// Package combat runs the phase and army turn state machine of an encounter.
package combat

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Phase is one step of an army's turn.
type Phase string

const (
	PhaseCommand  Phase = "command"
	PhaseMovement Phase = "movement"
	PhaseShooting Phase = "shooting"
	PhaseCharge   Phase = "charge"
	PhaseFight    Phase = "fight"
)

var phaseOrder = []Phase{PhaseCommand, PhaseMovement, PhaseShooting, PhaseCharge, PhaseFight}

var titleCaser = cases.Title(language.English)

func (p Phase) index() int {
	for i, v := range phaseOrder {
		if v == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the five phases.
func (p Phase) Valid() bool { return p.index() >= 0 }

// Next returns the following phase. ok is false for the last phase.
func (p Phase) Next() (next Phase, ok bool) {
	i := p.index()
	if i < 0 || i == len(phaseOrder)-1 {
		return p, false
	}
	return phaseOrder[i+1], true
}

// Prev returns the preceding phase. ok is false for the first phase.
func (p Phase) Prev() (prev Phase, ok bool) {
	i := p.index()
	if i <= 0 {
		return p, false
	}
	return phaseOrder[i-1], true
}

// Label is the display name, "Setup" when no phase is active.
func (p Phase) Label() string {
	if p == "" {
		return "Setup"
	}
	return titleCaser.String(string(p))
}

// Phases lists every phase in turn order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}
