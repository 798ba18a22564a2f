package game

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pefman/w40k-tabletop/internal/engine"
)

// WoundThreshold returns the target roll (2-6) needed to wound.
// Checked in order, so S >= 2T wins over S > T.
func WoundThreshold(s, t int) int {
	switch {
	case s >= 2*t:
		return 2
	case s > t:
		return 3
	case s == t:
		return 4
	case s*2 <= t:
		return 6
	default:
		return 5
	}
}

// SaveThreshold returns the roll needed to save. AP is normally <= 0, so
// subtracting it worsens the armour save; the invulnerable save (0 if none)
// ignores AP and is used when it is better.
func SaveThreshold(sv, inv, ap int) int {
	eff := sv - ap
	if inv > 0 && inv < eff {
		eff = inv
	}
	return eff
}

// IsHit: an unmodified 6 always hits.
func IsHit(face, skill int) bool { return face == 6 || face >= skill }

// IsWound reports whether face meets the wound threshold.
func IsWound(face, threshold int) bool { return face >= threshold }

// IsSaved: an unmodified 1 always fails.
func IsSaved(face, threshold int) bool { return face > 1 && face >= threshold }

func thresholdLabel(n int) string {
	if n > 6 {
		return "no save"
	}
	return fmt.Sprintf("%d+", n)
}

// rollHits is stage 1. A malformed attacks formula is treated as 1 attack.
func rollHits(ctx context.Context, dice engine.Roller, rc ResolutionContext) (ResolutionContext, Card, []string, error) {
	var warnings []string
	w := rc.Weapon
	attacks := 1
	roll, err := dice.Evaluate(ctx, w.Attacks)
	switch {
	case err == nil:
		attacks = roll.Total
	case errors.Is(err, engine.ErrInvalidExpression):
		warnings = append(warnings, fmt.Sprintf("Failed to parse attacks %q, rolling 1 attack", w.Attacks))
	default:
		return rc, Card{}, nil, fmt.Errorf("roll attacks: %w", err)
	}

	faces, err := engine.RollD6(ctx, dice, attacks)
	if err != nil {
		return rc, Card{}, nil, fmt.Errorf("roll hits: %w", err)
	}

	card := newCard(CardHits, fmt.Sprintf("%s: Attack Roll", w.Name), rc.AttackerName)
	card.stat("Attacks", fmt.Sprintf("%d", attacks))
	card.stat("Skill", fmt.Sprintf("%d+", w.Skill))
	card.Logs = append(card.Logs, warnings...)
	card.Logs = append(card.Logs, fmt.Sprintf("Attacks A=%s -> %d", strings.TrimSpace(w.Attacks), attacks))

	hits, crits := 0, 0
	for i, f := range faces {
		hit := IsHit(f, w.Skill)
		crit := f == 6
		if hit {
			hits++
		}
		if crit {
			crits++
		}
		card.Dice = append(card.Dice, Die{Face: f, Success: hit, Critical: crit})
		if hit {
			card.Logs = append(card.Logs, fmt.Sprintf("Hit roll %d: %d -> HIT (needs %d+)", i+1, f, w.Skill))
		} else {
			card.Logs = append(card.Logs, fmt.Sprintf("Hit roll %d: %d -> MISS (needs %d+)", i+1, f, w.Skill))
		}
	}
	card.Summary = fmt.Sprintf("%d Hits", hits)
	if crits > 0 {
		card.Summary += fmt.Sprintf(" (%d Crits)", crits)
	}

	rc.Attacks, rc.Hits, rc.Crits = attacks, hits, crits
	if hits > 0 {
		card.offer(rc, Control{Action: ActionRollWounds, Label: "Roll Wounds"})
	}
	return rc, card, warnings, nil
}

// rollWounds is stage 2. rc.Toughness must already be resolved.
func rollWounds(ctx context.Context, dice engine.Roller, rc ResolutionContext) (ResolutionContext, Card, error) {
	if rc.Hits <= 0 {
		return rc, Card{}, ErrStageUnavailable
	}
	w := rc.Weapon
	tn := WoundThreshold(w.Strength, rc.Toughness)
	faces, err := engine.RollD6(ctx, dice, rc.Hits)
	if err != nil {
		return rc, Card{}, fmt.Errorf("roll wounds: %w", err)
	}

	target := rc.DefenderName
	if target == "" {
		target = "Target"
	}
	card := newCard(CardWounds, fmt.Sprintf("Wound Roll vs %s", target), rc.AttackerName)
	card.stat("Weapon", w.Name)
	card.stat("S vs T", fmt.Sprintf("%d vs %d", w.Strength, rc.Toughness))
	card.stat("Target", fmt.Sprintf("%d+", tn))
	card.Logs = append(card.Logs, fmt.Sprintf("To Wound: S %d vs T %d -> needs %d+", w.Strength, rc.Toughness, tn))

	wounds := 0
	for i, f := range faces {
		ok := IsWound(f, tn)
		if ok {
			wounds++
			card.Logs = append(card.Logs, fmt.Sprintf("Wound roll %d: %d -> WOUND (needs %d+)", i+1, f, tn))
		} else {
			card.Logs = append(card.Logs, fmt.Sprintf("Wound roll %d: %d -> FAIL (needs %d+)", i+1, f, tn))
		}
		card.Dice = append(card.Dice, Die{Face: f, Success: ok, Critical: f == 6})
	}
	card.Summary = fmt.Sprintf("%d Wounds", wounds)
	card.Logs = append(card.Logs, fmt.Sprintf("AP: %d | Damage: %s", w.AP, strings.TrimSpace(w.Damage)))

	rc.WoundThreshold, rc.Wounds = tn, wounds
	if wounds > 0 {
		card.Logs = append(card.Logs, "Target needs to save!")
		card.offer(rc, Control{Action: ActionRollSaves, Label: "Roll Saves"})
	}
	return rc, card, nil
}

// rollSaves is stage 3. rc.Save must already be resolved.
func rollSaves(ctx context.Context, dice engine.Roller, rc ResolutionContext) (ResolutionContext, Card, error) {
	if rc.Wounds <= 0 {
		return rc, Card{}, ErrStageUnavailable
	}
	w := rc.Weapon
	tn := SaveThreshold(rc.Save, rc.InvSave, w.AP)
	faces, err := engine.RollD6(ctx, dice, rc.Wounds)
	if err != nil {
		return rc, Card{}, fmt.Errorf("roll saves: %w", err)
	}

	target := rc.DefenderName
	if target == "" {
		target = "Target"
	}
	card := newCard(CardSaves, fmt.Sprintf("Saving Throws: %s", target), target)
	card.stat("Save", thresholdLabel(rc.Save))
	card.stat("AP", fmt.Sprintf("%d", w.AP))
	if rc.InvSave > 0 {
		card.stat("Invulnerable", fmt.Sprintf("%d+", rc.InvSave))
	}
	card.stat("Needs", thresholdLabel(tn))
	armour := rc.Save - w.AP
	if rc.InvSave > 0 && rc.InvSave < armour {
		card.Logs = append(card.Logs, fmt.Sprintf("Saves: AP %d modifies Sv to %s, Invulnerable %d+ is better -> using Invulnerable", w.AP, thresholdLabel(armour), rc.InvSave))
	} else {
		card.Logs = append(card.Logs, fmt.Sprintf("Saves: AP %d modifies Sv to %s", w.AP, thresholdLabel(armour)))
	}

	saved, failed := 0, 0
	for i, f := range faces {
		ok := IsSaved(f, tn)
		if ok {
			saved++
			card.Logs = append(card.Logs, fmt.Sprintf("Save roll %d: %d -> SAVED (needs %s)", i+1, f, thresholdLabel(tn)))
		} else {
			failed++
			card.Logs = append(card.Logs, fmt.Sprintf("Save roll %d: %d -> FAILED (needs %s)", i+1, f, thresholdLabel(tn)))
		}
		card.Dice = append(card.Dice, Die{Face: f, Success: ok})
	}
	card.Summary = fmt.Sprintf("%d Saved, %d Failed", saved, failed)

	rc.SaveThreshold, rc.FailedSaves = tn, failed
	if failed > 0 {
		var controls []Control
		if _, fixed := engine.Fixed(w.Damage); !fixed {
			controls = append(controls, Control{Action: ActionRollDamage, Label: "Roll Damage"})
		}
		controls = append(controls, Control{Action: ActionApplyDamage, Label: "Apply Damage"})
		card.offer(rc, controls...)
	}
	return rc, card, nil
}

// maxInstanceDamage bounds one fixed damage value.
const maxInstanceDamage = engine.MaxDice * engine.MaxSides

// damageTotal sums the damage of failed saves. A variable formula is rolled
// once per failed save so per-instance modifiers (D3+1) apply every time.
// A malformed formula counts 1 per failed save. Fixed values are clamped
// to zero like rolled totals.
func damageTotal(ctx context.Context, dice engine.Roller, formula string, failed int) (int, []int, []string, error) {
	if failed > engine.MaxDice {
		return 0, nil, nil, fmt.Errorf("roll damage: %w: %d failed saves exceeds %d", engine.ErrInvalidExpression, failed, engine.MaxDice)
	}
	if v, ok := engine.Fixed(formula); ok {
		v = max(0, min(v, maxInstanceDamage))
		per := make([]int, failed)
		for i := range per {
			per[i] = v
		}
		return v * failed, per, nil, nil
	}
	total := 0
	per := make([]int, 0, failed)
	for i := 0; i < failed; i++ {
		roll, err := dice.Evaluate(ctx, formula)
		if errors.Is(err, engine.ErrInvalidExpression) {
			warn := fmt.Sprintf("Failed to parse damage %q, applying 1 per failed save", formula)
			per = per[:0]
			for j := 0; j < failed; j++ {
				per = append(per, 1)
			}
			return failed, per, []string{warn}, nil
		}
		if err != nil {
			return 0, nil, nil, fmt.Errorf("roll damage: %w", err)
		}
		per = append(per, roll.Total)
		total += roll.Total
	}
	return total, per, nil, nil
}

// rollDamagePreview is stage 4a: one evaluation, display only.
func rollDamagePreview(ctx context.Context, dice engine.Roller, rc ResolutionContext) (Card, []string, error) {
	w := rc.Weapon
	card := newCard(CardDamagePreview, fmt.Sprintf("%s: Damage Roll", w.Name), rc.AttackerName)
	card.stat("Damage", strings.TrimSpace(w.Damage))
	roll, err := dice.Evaluate(ctx, w.Damage)
	if errors.Is(err, engine.ErrInvalidExpression) {
		warn := fmt.Sprintf("Failed to parse damage %q", w.Damage)
		card.Logs = append(card.Logs, warn)
		card.Summary = "1 Damage"
		return card, []string{warn}, nil
	}
	if err != nil {
		return Card{}, nil, fmt.Errorf("roll damage: %w", err)
	}
	for _, f := range roll.Results {
		card.Dice = append(card.Dice, Die{Face: f, Success: true})
	}
	card.Summary = fmt.Sprintf("%d Damage", roll.Total)
	return card, nil, nil
}

func damageCard(rc ResolutionContext, per []int, before, after int) Card {
	card := newCard(CardDamage, fmt.Sprintf("%s takes damage", rc.DefenderName), rc.AttackerName)
	card.stat("Weapon", rc.Weapon.Name)
	card.stat("Failed saves", fmt.Sprintf("%d", rc.FailedSaves))
	card.stat("Damage", strings.TrimSpace(rc.Weapon.Damage))
	for i, d := range per {
		card.Logs = append(card.Logs, fmt.Sprintf("Damage roll %d: %s -> %d", i+1, strings.TrimSpace(rc.Weapon.Damage), d))
	}
	card.Summary = fmt.Sprintf("%d damage: %d -> %d wounds", rc.DamageTotal, before, after)
	card.Logs = append(card.Logs, fmt.Sprintf("Total Damage: %d, Defender Wounds left: %d", rc.DamageTotal, after))
	return card
}

// ShootingResult captures the outcome of a one-shot volley.
type ShootingResult struct {
	Logs           []string `json:"logs"`
	Attacks        int      `json:"attacks"`
	Hits           int      `json:"hits"`
	Crits          int      `json:"crits"`
	Wounds         int      `json:"wounds"`
	Saved          int      `json:"saved"`
	Unsaved        int      `json:"unsaved"`
	DamageTotal    int      `json:"damage_total"`
	DefenderWounds int      `json:"defender_wounds"`
	Cards          []Card   `json:"cards"`
}

// ResolveVolley runs every stage back to back against fixed defender stats.
// Nothing is persisted; DefenderWounds is what the defender would have left.
func ResolveVolley(ctx context.Context, dice engine.Roller, w WeaponSnapshot, def UnitSnapshot) (ShootingResult, error) {
	rc := ResolutionContext{Weapon: w}
	res := ShootingResult{DefenderWounds: def.W}
	collect := func(c Card) {
		c.Next, c.Context = nil, nil
		res.Cards = append(res.Cards, c)
		res.Logs = append(res.Logs, c.Logs...)
	}

	rc, card, _, err := rollHits(ctx, dice, rc)
	if err != nil {
		return ShootingResult{}, err
	}
	collect(card)
	res.Attacks, res.Hits, res.Crits = rc.Attacks, rc.Hits, rc.Crits
	if rc.Hits == 0 {
		return res, nil
	}

	rc.setDefender(def)
	rc.Toughness = def.T
	if rc.Toughness <= 0 {
		rc.Toughness = 4
	}
	if rc.Save <= 0 {
		rc.Save = 7
	}
	if rc, card, err = rollWounds(ctx, dice, rc); err != nil {
		return ShootingResult{}, err
	}
	collect(card)
	res.Wounds = rc.Wounds
	if rc.Wounds == 0 {
		return res, nil
	}

	if rc, card, err = rollSaves(ctx, dice, rc); err != nil {
		return ShootingResult{}, err
	}
	collect(card)
	res.Unsaved = rc.FailedSaves
	res.Saved = rc.Wounds - rc.FailedSaves
	if rc.FailedSaves == 0 {
		return res, nil
	}

	total, per, warnings, err := damageTotal(ctx, dice, w.Damage, rc.FailedSaves)
	if err != nil {
		return ShootingResult{}, err
	}
	rc.DamageTotal = total
	remain := def.W - total
	if remain < 0 {
		remain = 0
	}
	card = damageCard(rc, per, def.W, remain)
	card.Logs = append(warnings, card.Logs...)
	collect(card)
	res.DamageTotal = total
	res.DefenderWounds = remain
	return res, nil
}
