package game

import (
	"context"
	"fmt"

	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/models"
)

// Phase actions offered to a selected unit.
const (
	PhaseActionAdvance     = "advance"
	PhaseActionCharge      = "charge"
	PhaseActionFallBack    = "fallback"
	PhaseActionPileIn      = "pilein"
	PhaseActionConsolidate = "consolidate"
)

// PhaseAction resolves a movement-style action for u and returns its card.
func PhaseAction(ctx context.Context, dice engine.Roller, u models.Unit, action string) (Card, error) {
	card := newCard(CardPhaseAction, "", u.Name)
	switch action {
	case PhaseActionAdvance:
		roll, err := dice.Evaluate(ctx, "1d6")
		if err != nil {
			return Card{}, fmt.Errorf("roll advance: %w", err)
		}
		card.Title = "Advances!"
		card.stat("Base", fmt.Sprintf("%d\"", u.Stats.Move))
		card.stat("Roll", fmt.Sprintf("%d\"", roll.Total))
		card.Summary = fmt.Sprintf("%d\"", u.Stats.Move+roll.Total)
		card.Dice = diceOf(roll.Results)
	case PhaseActionCharge:
		roll, err := dice.Evaluate(ctx, "2d6")
		if err != nil {
			return Card{}, fmt.Errorf("roll charge: %w", err)
		}
		card.Title = "Charge!"
		card.Summary = fmt.Sprintf("Distance: %d\"", roll.Total)
		card.Dice = diceOf(roll.Results)
	case PhaseActionFallBack:
		card.Title = "Falls Back!"
		card.Summary = fmt.Sprintf("%s retreats from combat.", u.Name)
	case PhaseActionPileIn:
		card.Title = "Piles In!"
		card.Summary = fmt.Sprintf("%s moves up to 3\" closer.", u.Name)
	case PhaseActionConsolidate:
		card.Title = "Consolidates!"
		card.Summary = fmt.Sprintf("%s moves up to 3\" towards enemy.", u.Name)
	default:
		return Card{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return card, nil
}

func diceOf(faces []int) []Die {
	out := make([]Die, len(faces))
	for i, f := range faces {
		out[i] = Die{Face: f, Success: true}
	}
	return out
}
