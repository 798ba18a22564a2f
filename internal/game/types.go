package game

import (
	"errors"

	"github.com/google/uuid"

	"github.com/pefman/w40k-tabletop/internal/models"
)

var (
	// ErrStageUnavailable indicates a stage was triggered without the
	// previous stage producing anything to roll.
	ErrStageUnavailable = errors.New("nothing to roll for this stage")
	// ErrNoDefender indicates damage has no unit to land on.
	ErrNoDefender = errors.New("no defender selected")
	// ErrUnknownAction indicates an unsupported phase action.
	ErrUnknownAction = errors.New("unknown phase action")
)

// UnitSnapshot captures the minimal defender stats needed for resolution
type UnitSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	T     int    `json:"T"`     // toughness
	W     int    `json:"W"`     // current wounds
	Sv    int    `json:"Sv"`    // armor save (2-6; 7 means none)
	InvSv int    `json:"InvSv"` // invulnerable save (2-6; 0 if none)
}

// SnapshotOf converts a stored unit into a snapshot.
func SnapshotOf(u models.Unit) UnitSnapshot {
	return UnitSnapshot{
		ID:    u.ID,
		Name:  u.Name,
		T:     u.Stats.Toughness,
		W:     u.Wounds,
		Sv:    u.Stats.Save,
		InvSv: u.Stats.InvSave,
	}
}

// WeaponSnapshot for a single weapon profile
type WeaponSnapshot struct {
	Name     string `json:"name"`
	Attacks  string `json:"attacks"` // dice expr or int
	Skill    int    `json:"skill"`   // hit threshold (2-6)
	Strength int    `json:"strength"`
	AP       int    `json:"ap"`     // e.g., -1 means worsen save by 1
	Damage   string `json:"damage"` // dice expr or int
}

// WeaponOf converts a stored weapon profile into a snapshot.
func WeaponOf(w models.Weapon) WeaponSnapshot {
	return WeaponSnapshot{
		Name:     w.Name,
		Attacks:  w.Attacks,
		Skill:    w.Skill,
		Strength: w.Strength,
		AP:       w.AP,
		Damage:   w.Damage,
	}
}

// ResolutionContext is threaded by the caller from one stage to the next.
// Each stage fills in its own outputs and leaves the rest untouched.
type ResolutionContext struct {
	AttackerID   string         `json:"attacker_id,omitempty"`
	AttackerName string         `json:"attacker_name,omitempty"`
	Weapon       WeaponSnapshot `json:"weapon"`

	// Stage 1
	Attacks int `json:"attacks,omitempty"`
	Hits    int `json:"hits,omitempty"`
	Crits   int `json:"crits,omitempty"`

	// Stage 2
	DefenderID     string `json:"defender_id,omitempty"`
	DefenderName   string `json:"defender_name,omitempty"`
	Toughness      int    `json:"toughness,omitempty"`
	Save           int    `json:"save,omitempty"`
	InvSave        int    `json:"inv_save,omitempty"`
	WoundThreshold int    `json:"wound_threshold,omitempty"`
	Wounds         int    `json:"wounds,omitempty"`

	// Stage 3
	SaveThreshold int `json:"save_threshold,omitempty"`
	FailedSaves   int `json:"failed_saves,omitempty"`

	// Stage 4b
	DamageTotal int `json:"damage_total,omitempty"`
}

// setDefender copies a selected target's stats into the context.
func (rc *ResolutionContext) setDefender(d UnitSnapshot) {
	rc.DefenderID = d.ID
	rc.DefenderName = d.Name
	rc.Save = d.Sv
	rc.InvSave = d.InvSv
}

// Die is one rendered die on a card.
type Die struct {
	Face     int  `json:"face"`
	Success  bool `json:"success"`
	Critical bool `json:"critical,omitempty"`
}

// Stat is one label/value pair on a card header.
type Stat struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Control is a follow-up action offered by a card.
type Control struct {
	Action string `json:"action"`
	Label  string `json:"label"`
}

// Card kinds.
const (
	CardHits          = "hits"
	CardWounds        = "wounds"
	CardSaves         = "saves"
	CardDamagePreview = "damage_preview"
	CardDamage        = "damage"
	CardPhaseAction   = "phase_action"
)

// Control actions. They name the stage the client triggers next.
const (
	ActionRollWounds  = "roll_wounds"
	ActionRollSaves   = "roll_saves"
	ActionRollDamage  = "roll_damage"
	ActionApplyDamage = "apply_damage"
)

// Card is the display artifact a stage posts to chat. When Next is not
// empty, Context carries everything the next stage needs.
type Card struct {
	ID      string             `json:"id"`
	Kind    string             `json:"kind"`
	Title   string             `json:"title"`
	Speaker string             `json:"speaker,omitempty"`
	Stats   []Stat             `json:"stats,omitempty"`
	Summary string             `json:"summary"`
	Dice    []Die              `json:"dice,omitempty"`
	Logs    []string           `json:"logs,omitempty"`
	Next    []Control          `json:"next,omitempty"`
	Context *ResolutionContext `json:"context,omitempty"`
}

func newCard(kind, title, speaker string) Card {
	return Card{ID: uuid.NewString(), Kind: kind, Title: title, Speaker: speaker}
}

func (c *Card) stat(label, value string) {
	c.Stats = append(c.Stats, Stat{Label: label, Value: value})
}

func (c *Card) offer(rc ResolutionContext, controls ...Control) {
	if len(controls) == 0 {
		return
	}
	c.Next = append(c.Next, controls...)
	c.Context = &rc
}
