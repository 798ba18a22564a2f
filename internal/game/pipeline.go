package game

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
)

// Level is the severity of a user-facing notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notifier surfaces fire-and-forget notices to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, level Level, msg string)
}

// Targets returns the defenders a user currently has selected.
type Targets interface {
	SelectedTargets(ctx context.Context, userID string) ([]UnitSnapshot, error)
}

// Prompt asks a user for a single value.
type Prompt struct {
	Kind    string `json:"kind"`
	Label   string `json:"label"`
	Default int    `json:"default"`
}

// Prompter blocks until the user answers a prompt or ctx ends.
// An empty answer means the user cancelled.
type Prompter interface {
	Prompt(ctx context.Context, userID string, p Prompt) (string, error)
}

// Units applies damage to stored defenders. ApplyDamage must be atomic:
// concurrent calls against the same unit may not lose updates.
type Units interface {
	ApplyDamage(ctx context.Context, unitID string, damage int) (before, after int, err error)
}

// DamageRecorder is told about every applied volley.
type DamageRecorder interface {
	RecordDamage(attacker, weapon, defender string, damage int)
	RecordSaves(defender string, need int, faces []int)
}

// Pipeline runs the attack resolution stages against live collaborators.
type Pipeline struct {
	Dice     engine.Roller
	Targets  Targets
	Prompter Prompter
	Units    Units
	Notifier Notifier
	Stats    DamageRecorder
	// DefaultToughness is used when the toughness prompt is cancelled.
	DefaultToughness int
}

func (p *Pipeline) log(stage string, rc ResolutionContext) *logrus.Entry {
	return logging.For("pipeline").WithFields(logrus.Fields{
		"stage":    stage,
		"weapon":   rc.Weapon.Name,
		"attacker": rc.AttackerID,
		"defender": rc.DefenderID,
	})
}

func (p *Pipeline) notify(ctx context.Context, userID string, level Level, msgs ...string) {
	if p.Notifier == nil {
		return
	}
	for _, m := range msgs {
		p.Notifier.Notify(ctx, userID, level, m)
	}
}

func (p *Pipeline) defaultToughness() int {
	if p.DefaultToughness > 0 {
		return p.DefaultToughness
	}
	return 4
}

// BeginAttack builds the initial context for a unit's weapon.
func BeginAttack(attacker models.Unit, w models.Weapon) ResolutionContext {
	return ResolutionContext{
		AttackerID:   attacker.ID,
		AttackerName: attacker.Name,
		Weapon:       WeaponOf(w),
	}
}

// RollHits is stage 1.
func (p *Pipeline) RollHits(ctx context.Context, userID string, rc ResolutionContext) (ResolutionContext, Card, error) {
	rc, card, warnings, err := rollHits(ctx, p.Dice, rc)
	if err != nil {
		p.log("hits", rc).WithError(err).Error("roll hits failed")
		return rc, Card{}, err
	}
	p.notify(ctx, userID, LevelWarn, warnings...)
	p.log("hits", rc).WithFields(logrus.Fields{"attacks": rc.Attacks, "hits": rc.Hits, "crits": rc.Crits}).Info("hits rolled")
	return rc, card, nil
}

// RollWounds is stage 2. Toughness comes from the user's single selected
// target; otherwise the user is prompted, and a cancelled or invalid answer
// falls back to the default toughness.
func (p *Pipeline) RollWounds(ctx context.Context, userID string, rc ResolutionContext) (ResolutionContext, Card, error) {
	if rc.Hits <= 0 {
		return rc, Card{}, ErrStageUnavailable
	}
	def, ok, err := p.singleTarget(ctx, userID)
	if err != nil {
		return rc, Card{}, err
	}
	if ok {
		rc.setDefender(def)
		rc.Toughness = def.T
		if rc.Toughness <= 0 {
			rc.Toughness = p.defaultToughness()
		}
	} else {
		rc.DefenderID, rc.DefenderName, rc.Save, rc.InvSave = "", "", 0, 0
		t, err := p.promptInt(ctx, userID, Prompt{Kind: "toughness", Label: "Target Toughness", Default: p.defaultToughness()})
		if err != nil {
			return rc, Card{}, err
		}
		rc.Toughness = t
	}

	rc, card, err := rollWounds(ctx, p.Dice, rc)
	if err != nil {
		p.log("wounds", rc).WithError(err).Error("roll wounds failed")
		return rc, Card{}, err
	}
	p.log("wounds", rc).WithFields(logrus.Fields{"toughness": rc.Toughness, "threshold": rc.WoundThreshold, "wounds": rc.Wounds}).Info("wounds rolled")
	return rc, card, nil
}

// RollSaves is stage 3. When stage 2 had no single target the save is
// taken from the current single target, or prompted (cancel means no save).
func (p *Pipeline) RollSaves(ctx context.Context, userID string, rc ResolutionContext) (ResolutionContext, Card, error) {
	if rc.Wounds <= 0 {
		return rc, Card{}, ErrStageUnavailable
	}
	if rc.Save <= 0 {
		def, ok, err := p.singleTarget(ctx, userID)
		if err != nil {
			return rc, Card{}, err
		}
		if ok && def.Sv > 0 {
			rc.setDefender(def)
		} else {
			sv, err := p.promptInt(ctx, userID, Prompt{Kind: "save", Label: "Target Save", Default: 7})
			if err != nil {
				return rc, Card{}, err
			}
			rc.Save = sv
		}
	}

	rc, card, err := rollSaves(ctx, p.Dice, rc)
	if err != nil {
		p.log("saves", rc).WithError(err).Error("roll saves failed")
		return rc, Card{}, err
	}
	if p.Stats != nil {
		faces := make([]int, len(card.Dice))
		for i, d := range card.Dice {
			faces[i] = d.Face
		}
		p.Stats.RecordSaves(rc.DefenderName, rc.SaveThreshold, faces)
	}
	p.log("saves", rc).WithFields(logrus.Fields{"threshold": rc.SaveThreshold, "failed": rc.FailedSaves}).Info("saves rolled")
	return rc, card, nil
}

// RollDamage is stage 4a, a display-only preview of the damage formula.
func (p *Pipeline) RollDamage(ctx context.Context, userID string, rc ResolutionContext) (Card, error) {
	if rc.FailedSaves <= 0 {
		return Card{}, ErrStageUnavailable
	}
	card, warnings, err := rollDamagePreview(ctx, p.Dice, rc)
	if err != nil {
		return Card{}, err
	}
	p.notify(ctx, userID, LevelWarn, warnings...)
	return card, nil
}

// ApplyDamage is stage 4b. It totals the damage of every failed save and
// takes it off the defender's wounds, never below zero.
func (p *Pipeline) ApplyDamage(ctx context.Context, userID string, rc ResolutionContext) (ResolutionContext, Card, error) {
	if rc.FailedSaves <= 0 {
		return rc, Card{}, ErrStageUnavailable
	}
	if rc.DefenderID == "" {
		def, ok, err := p.singleTarget(ctx, userID)
		if err != nil {
			return rc, Card{}, err
		}
		if !ok {
			p.notify(ctx, userID, LevelError, "Select exactly one target to apply damage")
			return rc, Card{}, ErrNoDefender
		}
		rc.DefenderID, rc.DefenderName = def.ID, def.Name
	}
	if p.Units == nil {
		return rc, Card{}, fmt.Errorf("apply damage: no unit store configured")
	}

	total, per, warnings, err := damageTotal(ctx, p.Dice, rc.Weapon.Damage, rc.FailedSaves)
	if err != nil {
		return rc, Card{}, err
	}
	p.notify(ctx, userID, LevelWarn, warnings...)

	before, after, err := p.Units.ApplyDamage(ctx, rc.DefenderID, total)
	if err != nil {
		p.log("damage", rc).WithError(err).Error("apply damage failed")
		p.notify(ctx, userID, LevelError, fmt.Sprintf("Failed to apply damage to %s", rc.DefenderName))
		return rc, Card{}, fmt.Errorf("apply damage: %w", err)
	}
	rc.DamageTotal = total
	card := damageCard(rc, per, before, after)
	card.Logs = append(warnings, card.Logs...)
	if p.Stats != nil {
		p.Stats.RecordDamage(rc.AttackerName, rc.Weapon.Name, rc.DefenderName, total)
	}
	p.log("damage", rc).WithFields(logrus.Fields{"damage": total, "before": before, "after": after}).Info("damage applied")
	return rc, card, nil
}

func (p *Pipeline) singleTarget(ctx context.Context, userID string) (UnitSnapshot, bool, error) {
	if p.Targets == nil {
		return UnitSnapshot{}, false, nil
	}
	targets, err := p.Targets.SelectedTargets(ctx, userID)
	if err != nil {
		return UnitSnapshot{}, false, fmt.Errorf("selected targets: %w", err)
	}
	if len(targets) != 1 {
		return UnitSnapshot{}, false, nil
	}
	return targets[0], true, nil
}

// promptInt asks for a positive integer. Cancel, timeout or garbage yields
// the prompt default; only a cancelled request context is an error.
func (p *Pipeline) promptInt(ctx context.Context, userID string, pr Prompt) (int, error) {
	if p.Prompter == nil {
		return pr.Default, nil
	}
	answer, err := p.Prompter.Prompt(ctx, userID, pr)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			p.log(pr.Kind, ResolutionContext{}).WithError(err).Warn("prompt failed, using default")
		}
		return pr.Default, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || n <= 0 {
		return pr.Default, nil
	}
	return n, nil
}
