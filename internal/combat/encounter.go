package combat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
)

// Store persists encounters. SaveEncounter and InsertCombatants must each
// commit as one atomic batch.
type Store interface {
	LoadEncounter(ctx context.Context, id string) (EncounterState, error)
	// SaveEncounter writes state and the given combatant initiatives.
	SaveEncounter(ctx context.Context, state EncounterState, initiative map[string]int) error
	// ListCombatants returns combatants in the order they joined.
	ListCombatants(ctx context.Context, encounterID string) ([]Combatant, error)
	InsertCombatants(ctx context.Context, state EncounterState, cs []Combatant) error
}

// Groups resolves army membership. Keys are looked up on every call and
// never cached, so regrouping an actor takes effect immediately.
type Groups interface {
	GroupKeyOf(ctx context.Context, actorID string) (string, error)
	GroupName(ctx context.Context, key string) (string, error)
}

// Notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notifier announces encounter events to everyone watching it.
type Notifier interface {
	Announce(ctx context.Context, encounterID, level, msg string)
}

// Actor identifies who issued a command. GM carries command authority.
type Actor struct {
	Name string
	GM   bool
}

// Encounter serializes every mutation of one encounter. The store stays
// the source of truth; state is reloaded under the lock for each command.
type Encounter struct {
	mu       sync.Mutex
	id       string
	store    Store
	groups   Groups
	dice     engine.Roller
	notifier Notifier
}

// New returns the state machine for encounter id.
func New(id string, store Store, groups Groups, dice engine.Roller, notifier Notifier) *Encounter {
	return &Encounter{id: id, store: store, groups: groups, dice: dice, notifier: notifier}
}

// ID returns the encounter id.
func (e *Encounter) ID() string { return e.id }

func (e *Encounter) log(s EncounterState) *logrus.Entry {
	return logging.For("combat").WithFields(logrus.Fields{
		"encounter": e.id,
		"phase":     s.Phase,
		"round":     s.Round,
		"turn":      s.Turn,
	})
}

func (e *Encounter) load(ctx context.Context) (EncounterState, error) {
	s, err := e.store.LoadEncounter(ctx, e.id)
	if err != nil {
		return EncounterState{}, fmt.Errorf("load encounter: %w", err)
	}
	if err := s.Validate(); err != nil {
		return EncounterState{}, err
	}
	return s, nil
}

// turnOrder sorts by initiative descending. Ties keep join order.
func turnOrder(cs []Combatant) []Combatant {
	out := append([]Combatant(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Initiative > out[j].Initiative })
	return out
}

func (e *Encounter) orderedTurns(ctx context.Context) ([]Combatant, error) {
	cs, err := e.store.ListCombatants(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("list combatants: %w", err)
	}
	return turnOrder(cs), nil
}

func (e *Encounter) groupKey(ctx context.Context, c Combatant) (string, error) {
	key, err := e.groups.GroupKeyOf(ctx, c.ActorID)
	if err != nil {
		return "", fmt.Errorf("group of %s: %w", c.ActorID, err)
	}
	if key == "" {
		key = models.UnassignedGroup
	}
	return key, nil
}

func (e *Encounter) groupName(ctx context.Context, key string) string {
	if key == models.UnassignedGroup {
		return "Unassigned"
	}
	name, err := e.groups.GroupName(ctx, key)
	if err != nil || name == "" {
		return key
	}
	return name
}

// State returns the persisted state.
func (e *Encounter) State(ctx context.Context) (EncounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(ctx)
}

// TurnOrder returns the combatants in turn order.
func (e *Encounter) TurnOrder(ctx context.Context) ([]Combatant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderedTurns(ctx)
}

type armyRoll struct {
	key     string
	roll    int
	members []Combatant
}

// Start rolls one D6 per army and fixes the army order for the encounter.
// Every member of the army ranked k of n gets initiative 100*(n-k+1).
func (e *Encounter) Start(ctx context.Context, actor Actor) (EncounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.load(ctx)
	if err != nil {
		return EncounterState{}, err
	}
	if prev.Started {
		return prev, ErrAlreadyStarted
	}
	cs, err := e.store.ListCombatants(ctx, e.id)
	if err != nil {
		return prev, fmt.Errorf("list combatants: %w", err)
	}

	var armies []*armyRoll
	byKey := map[string]*armyRoll{}
	for _, c := range cs {
		key, err := e.groupKey(ctx, c)
		if err != nil {
			return prev, err
		}
		a, ok := byKey[key]
		if !ok {
			a = &armyRoll{key: key}
			byKey[key] = a
			armies = append(armies, a)
		}
		a.members = append(a.members, c)
	}
	for _, a := range armies {
		roll, err := e.dice.Evaluate(ctx, "1d6")
		if err != nil {
			return prev, fmt.Errorf("roll initiative for %s: %w", a.key, err)
		}
		a.roll = roll.Total
	}
	sort.SliceStable(armies, func(i, j int) bool { return armies[i].roll > armies[j].roll })

	initiative := make(map[string]int, len(cs))
	next := prev.Clone()
	next.Started = true
	next.Phase = PhaseCommand
	next.Armies = make([]string, 0, len(armies))
	next.CP = map[string]int{}
	next.VP = map[string]int{}
	next.Round = 1
	next.Turn = 0
	value := 100 * len(armies)
	for _, a := range armies {
		next.Armies = append(next.Armies, a.key)
		for _, c := range a.members {
			initiative[c.ID] = value
		}
		value -= 100
	}

	if err := e.store.SaveEncounter(ctx, next, initiative); err != nil {
		e.log(prev).WithError(err).Error("start failed")
		return prev, fmt.Errorf("save encounter: %w", err)
	}
	e.log(next).WithField("armies", next.Armies).Info("encounter started")
	return e.committed(ctx, prev, next, actor), nil
}

// AdvancePhase moves to the next phase. After the fight phase control
// passes to the next army in turn order, or to a new round after the last.
func (e *Encounter) AdvancePhase(ctx context.Context, actor Actor) (EncounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.load(ctx)
	if err != nil {
		return EncounterState{}, err
	}
	if !prev.Started {
		return prev, ErrNotStarted
	}
	next := prev.Clone()
	if p, ok := prev.Phase.Next(); ok {
		next.Phase = p
	} else {
		turns, err := e.orderedTurns(ctx)
		if err != nil {
			return prev, err
		}
		next.Phase = PhaseCommand
		if prev.Turn >= len(turns) {
			// no current combatant: plain single step
			next.Turn = prev.Turn + 1
			if next.Turn >= len(turns) {
				next.Turn = 0
				next.Round++
			}
			e.log(prev).WithField("combatants", len(turns)).Warn("turn index out of range, stepping once")
		} else {
			i, err := e.nextArmyStart(ctx, turns, prev.Turn)
			if err != nil {
				return prev, err
			}
			if i >= 0 {
				next.Turn = i
			} else {
				next.Turn = 0
				next.Round++
			}
		}
	}

	if err := e.store.SaveEncounter(ctx, next, nil); err != nil {
		e.log(prev).WithError(err).Error("advance failed")
		return prev, fmt.Errorf("save encounter: %w", err)
	}
	e.log(next).Debug("phase advanced")
	return e.committed(ctx, prev, next, actor), nil
}

// nextArmyStart returns the index of the first combatant after from whose
// army differs from the combatant at from, or -1.
func (e *Encounter) nextArmyStart(ctx context.Context, turns []Combatant, from int) (int, error) {
	current, err := e.groupKey(ctx, turns[from])
	if err != nil {
		return 0, err
	}
	for i := from + 1; i < len(turns); i++ {
		key, err := e.groupKey(ctx, turns[i])
		if err != nil {
			return 0, err
		}
		if key != current {
			return i, nil
		}
	}
	return -1, nil
}

// RetreatPhase steps back one phase. It never crosses back into the
// previous army's turn, so it does nothing during the command phase.
func (e *Encounter) RetreatPhase(ctx context.Context, actor Actor) (EncounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.load(ctx)
	if err != nil {
		return EncounterState{}, err
	}
	if !prev.Started {
		return prev, ErrNotStarted
	}
	p, ok := prev.Phase.Prev()
	if !ok {
		return prev, nil
	}
	next := prev.Clone()
	next.Phase = p
	if err := e.store.SaveEncounter(ctx, next, nil); err != nil {
		e.log(prev).WithError(err).Error("retreat failed")
		return prev, fmt.Errorf("save encounter: %w", err)
	}
	return e.committed(ctx, prev, next, actor), nil
}

// AddCombatants joins new participants. Once started, unseen armies are
// appended to the army order and each newcomer copies the initiative of a
// peer from its army (0 when it has none). The turn index keeps pointing
// at the combatant whose turn it was.
func (e *Encounter) AddCombatants(ctx context.Context, cs []Combatant) (EncounterState, []Combatant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.load(ctx)
	if err != nil {
		return EncounterState{}, nil, err
	}
	added := make([]Combatant, len(cs))
	for i, c := range cs {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Initiative = 0
		added[i] = c
	}
	next := prev.Clone()

	if prev.Started {
		existing, err := e.store.ListCombatants(ctx, e.id)
		if err != nil {
			return prev, nil, fmt.Errorf("list combatants: %w", err)
		}
		turns := turnOrder(existing)
		current := ""
		if prev.Turn < len(turns) {
			current = turns[prev.Turn].ID
		}

		peers := map[string]int{}
		for _, c := range existing {
			key, err := e.groupKey(ctx, c)
			if err != nil {
				return prev, nil, err
			}
			if _, ok := peers[key]; !ok {
				peers[key] = c.Initiative
			}
		}
		for i, c := range added {
			key, err := e.groupKey(ctx, c)
			if err != nil {
				return prev, nil, err
			}
			if !next.hasArmy(key) {
				next.Armies = append(next.Armies, key)
			}
			if v, ok := peers[key]; ok {
				added[i].Initiative = v
			} else {
				peers[key] = 0
			}
		}

		if current != "" {
			for i, c := range turnOrder(append(existing, added...)) {
				if c.ID == current {
					next.Turn = i
					break
				}
			}
		}
	}

	if err := e.store.InsertCombatants(ctx, next, added); err != nil {
		e.log(prev).WithError(err).Error("add combatants failed")
		return prev, nil, fmt.Errorf("insert combatants: %w", err)
	}
	e.log(next).WithFields(logrus.Fields{"added": len(added), "armies": next.Armies}).Info("combatants joined")
	return next, added, nil
}

// AddResource changes an army's CP or VP by delta, never below zero.
func (e *Encounter) AddResource(ctx context.Context, kind Resource, army string, delta int) (EncounterState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addResource(ctx, kind, army, delta)
}

// AdjustResource applies a tracker button: "add" is +1, "remove" is -1.
func (e *Encounter) AdjustResource(ctx context.Context, kind Resource, army, action string) (EncounterState, error) {
	var delta int
	switch action {
	case "add":
		delta = 1
	case "remove":
		delta = -1
	default:
		return EncounterState{}, fmt.Errorf("%w: %q", ErrUnknownAdjustment, action)
	}
	return e.AddResource(ctx, kind, army, delta)
}

func (e *Encounter) addResource(ctx context.Context, kind Resource, army string, delta int) (EncounterState, error) {
	prev, err := e.load(ctx)
	if err != nil {
		return EncounterState{}, err
	}
	next := prev.Clone()
	counts, err := next.counts(kind)
	if err != nil {
		return prev, err
	}
	if army == "" {
		army = models.UnassignedGroup
	}
	v := counts[army] + delta
	if v < 0 {
		v = 0
	}
	counts[army] = v
	if err := e.store.SaveEncounter(ctx, next, nil); err != nil {
		e.log(prev).WithError(err).WithField("army", army).Error("resource update failed")
		return prev, fmt.Errorf("save encounter: %w", err)
	}
	return next, nil
}

// committed runs after a successful phase or turn commit. When a GM moved
// control to a new army or into the command phase, the active army gains
// one CP. A single commit awards at most once even if both apply.
func (e *Encounter) committed(ctx context.Context, prev, next EncounterState, actor Actor) EncounterState {
	if !actor.GM {
		return next
	}
	turnChanged := prev.Turn != next.Turn || prev.Round != next.Round
	enteredCommand := next.Phase == PhaseCommand && prev.Phase != PhaseCommand
	if !turnChanged && !enteredCommand {
		return next
	}

	turns, err := e.orderedTurns(ctx)
	if err != nil || next.Turn >= len(turns) {
		return next
	}
	army, err := e.groupKey(ctx, turns[next.Turn])
	if err != nil {
		e.log(next).WithError(err).Warn("cannot resolve active army for CP award")
		return next
	}
	awarded, err := e.addResource(ctx, ResourceCP, army, 1)
	if err != nil {
		e.log(next).WithError(err).WithField("army", army).Error("CP award failed")
		e.announce(ctx, LevelError, fmt.Sprintf("Failed to award CP to %s", e.groupName(ctx, army)))
		return next
	}
	e.log(awarded).WithField("army", army).Info("command point awarded")
	e.announce(ctx, LevelInfo, fmt.Sprintf("Command Phase: %s gains 1 CP.", e.groupName(ctx, army)))
	return awarded
}

func (e *Encounter) announce(ctx context.Context, level, msg string) {
	if e.notifier != nil {
		e.notifier.Announce(ctx, e.id, level, msg)
	}
}
