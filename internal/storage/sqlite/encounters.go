package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pefman/w40k-tabletop/internal/combat"
	"github.com/pefman/w40k-tabletop/internal/storage"
)

// CreateEncounter inserts a new encounter.
func (s *Store) CreateEncounter(ctx context.Context, state combat.EncounterState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode encounter: %w", err)
	}
	now := s.millis()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO encounters (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		state.ID, string(raw), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create encounter: %w", err)
	}
	return nil
}

// LoadEncounter returns the stored state of an encounter.
func (s *Store) LoadEncounter(ctx context.Context, id string) (combat.EncounterState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM encounters WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return combat.EncounterState{}, storage.ErrNotFound
	}
	if err != nil {
		return combat.EncounterState{}, fmt.Errorf("load encounter: %w", err)
	}
	var state combat.EncounterState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return combat.EncounterState{}, fmt.Errorf("decode encounter %s: %w", id, err)
	}
	state.ID = id
	if state.CP == nil {
		state.CP = map[string]int{}
	}
	if state.VP == nil {
		state.VP = map[string]int{}
	}
	return state, nil
}

// SaveEncounter writes the state and initiative updates in one transaction.
func (s *Store) SaveEncounter(ctx context.Context, state combat.EncounterState, initiative map[string]int) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save encounter: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = s.writeState(ctx, tx, state); err != nil {
		return err
	}
	for id, value := range initiative {
		res, err := tx.ExecContext(ctx,
			`UPDATE combatants SET initiative = ? WHERE id = ? AND encounter_id = ?`, value, id, state.ID)
		if err != nil {
			return fmt.Errorf("update initiative: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update initiative of %s: %w", id, storage.ErrNotFound)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save encounter: %w", err)
	}
	return nil
}

func (s *Store) writeState(ctx context.Context, tx *sql.Tx, state combat.EncounterState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode encounter: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE encounters SET state = ?, updated_at = ? WHERE id = ?`,
		string(raw), s.millis(), state.ID)
	if err != nil {
		return fmt.Errorf("write encounter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCombatants returns an encounter's combatants in join order.
func (s *Store) ListCombatants(ctx context.Context, encounterID string) ([]combat.Combatant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, name, initiative FROM combatants WHERE encounter_id = ? ORDER BY seq`, encounterID)
	if err != nil {
		return nil, fmt.Errorf("list combatants: %w", err)
	}
	defer rows.Close()
	var out []combat.Combatant
	for rows.Next() {
		var c combat.Combatant
		if err := rows.Scan(&c.ID, &c.ActorID, &c.Name, &c.Initiative); err != nil {
			return nil, fmt.Errorf("scan combatant: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCombatants appends combatants and writes the state in one transaction.
func (s *Store) InsertCombatants(ctx context.Context, state combat.EncounterState, cs []combat.Combatant) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert combatants: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = s.writeState(ctx, tx, state); err != nil {
		return err
	}
	var seq int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM combatants WHERE encounter_id = ?`, state.ID).Scan(&seq); err != nil {
		return fmt.Errorf("next combatant seq: %w", err)
	}
	for _, c := range cs {
		seq++
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO combatants (id, encounter_id, seq, actor_id, name, initiative) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, state.ID, seq, c.ActorID, c.Name, c.Initiative); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("combatant %s: %w", c.ID, storage.ErrAlreadyExists)
			}
			return fmt.Errorf("insert combatant: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit insert combatants: %w", err)
	}
	return nil
}
