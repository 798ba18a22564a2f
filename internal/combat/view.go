package combat

import "context"

// ArmyRow is one army line in the tracker.
type ArmyRow struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Active  bool     `json:"active"`
	CP      int      `json:"cp"`
	VP      int      `json:"vp"`
	Members []string `json:"members"`
}

// TrackerView is the read model shown to every client of an encounter.
type TrackerView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Started    bool      `json:"started"`
	Phase      string    `json:"phase"`
	PhaseLabel string    `json:"phase_label"`
	Round      int       `json:"round"`
	Turn       int       `json:"turn"`
	Current    string    `json:"current,omitempty"`
	Armies     []ArmyRow `json:"armies"`
	// Phases is the turn cycle, for clients drawing a phase bar.
	Phases []PhaseStep `json:"phases"`
}

// PhaseStep is one entry of the phase bar.
type PhaseStep struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

// View builds the tracker. Before the encounter starts the armies are
// previewed from the combatants in the order they are discovered.
func (e *Encounter) View(ctx context.Context) (TrackerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.load(ctx)
	if err != nil {
		return TrackerView{}, err
	}
	turns, err := e.orderedTurns(ctx)
	if err != nil {
		return TrackerView{}, err
	}

	v := TrackerView{
		ID:         s.ID,
		Name:       s.Name,
		Started:    s.Started,
		Phase:      string(s.Phase),
		PhaseLabel: s.Phase.Label(),
		Round:      s.Round,
		Turn:       s.Turn,
		Armies:     []ArmyRow{},
	}
	if !s.Started {
		v.Phase = "setup"
	}
	for _, p := range Phases() {
		v.Phases = append(v.Phases, PhaseStep{Key: string(p), Label: p.Label(), Active: s.Started && p == s.Phase})
	}

	keys := make([]string, len(turns))
	members := map[string][]string{}
	var discovered []string
	for i, c := range turns {
		key, err := e.groupKey(ctx, c)
		if err != nil {
			return TrackerView{}, err
		}
		keys[i] = key
		if _, ok := members[key]; !ok {
			discovered = append(discovered, key)
		}
		members[key] = append(members[key], c.Name)
	}

	armies := s.Armies
	if len(armies) == 0 {
		armies = discovered
	}
	active := ""
	if s.Started && s.Turn < len(turns) {
		active = keys[s.Turn]
		v.Current = turns[s.Turn].Name
	}
	for _, key := range armies {
		v.Armies = append(v.Armies, ArmyRow{
			Key:     key,
			Name:    e.groupName(ctx, key),
			Active:  key == active,
			CP:      s.CP[key],
			VP:      s.VP[key],
			Members: members[key],
		})
	}
	return v, nil
}
