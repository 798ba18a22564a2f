package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pefman/w40k-tabletop/internal/models"
	"github.com/pefman/w40k-tabletop/internal/storage"
)

// CreateUnit inserts u, assigning an id when it has none. Wounds default
// to MaxWounds and the other way round.
func (s *Store) CreateUnit(ctx context.Context, u models.Unit) (models.Unit, error) {
	if err := ctx.Err(); err != nil {
		return models.Unit{}, err
	}
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return models.Unit{}, fmt.Errorf("%w: unit name is required", storage.ErrInvalid)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.MaxWounds <= 0 {
		u.MaxWounds = u.Wounds
	}
	if u.Wounds <= 0 {
		u.Wounds = u.MaxWounds
	}
	if u.MaxWounds <= 0 {
		return models.Unit{}, fmt.Errorf("%w: unit wounds must be positive", storage.ErrInvalid)
	}
	for i := range u.Weapons {
		if u.Weapons[i].ID == "" {
			u.Weapons[i].ID = uuid.NewString()
		}
	}
	stats, err := json.Marshal(u.Stats)
	if err != nil {
		return models.Unit{}, fmt.Errorf("encode stats: %w", err)
	}
	weapons, err := json.Marshal(u.Weapons)
	if err != nil {
		return models.Unit{}, fmt.Errorf("encode weapons: %w", err)
	}
	now := s.millis()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO units (id, name, group_key, stats, wounds, max_wounds, weapons, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, strings.TrimSpace(u.Group), string(stats), u.Wounds, u.MaxWounds, string(weapons), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Unit{}, storage.ErrAlreadyExists
		}
		return models.Unit{}, fmt.Errorf("create unit: %w", err)
	}
	return u, nil
}

const unitColumns = `id, name, group_key, stats, wounds, max_wounds, weapons`

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (models.Unit, error) {
	var (
		u       models.Unit
		stats   string
		weapons string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Group, &stats, &u.Wounds, &u.MaxWounds, &weapons); err != nil {
		return models.Unit{}, err
	}
	if err := json.Unmarshal([]byte(stats), &u.Stats); err != nil {
		return models.Unit{}, fmt.Errorf("decode stats of %s: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(weapons), &u.Weapons); err != nil {
		return models.Unit{}, fmt.Errorf("decode weapons of %s: %w", u.ID, err)
	}
	return u, nil
}

// GetUnit returns one unit.
func (s *Store) GetUnit(ctx context.Context, id string) (models.Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Unit{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Unit{}, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

// ListUnits returns every unit ordered by name.
func (s *Store) ListUnits(ctx context.Context) ([]models.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()
	out := []models.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("list units: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUnitGroup moves a unit to another army.
func (s *Store) SetUnitGroup(ctx context.Context, id, group string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE units SET group_key = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(group), s.millis(), id)
	if err != nil {
		return fmt.Errorf("set unit group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ApplyDamage takes damage off a unit's wounds, never below zero, and
// returns the wounds before and after.
func (s *Store) ApplyDamage(ctx context.Context, id string, damage int) (before, after int, err error) {
	if damage < 0 {
		return 0, 0, fmt.Errorf("%w: negative damage %d", storage.ErrInvalid, damage)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin apply damage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT wounds FROM units WHERE id = ?`, id).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read wounds: %w", err)
	}
	if err = tx.QueryRowContext(ctx,
		`UPDATE units SET wounds = MAX(0, wounds - ?), updated_at = ? WHERE id = ? RETURNING wounds`,
		damage, s.millis(), id,
	).Scan(&after); err != nil {
		return 0, 0, fmt.Errorf("write wounds: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit apply damage: %w", err)
	}
	return before, after, nil
}

// PutGroup creates or renames an army group.
func (s *Store) PutGroup(ctx context.Context, key, name string) error {
	key, name = strings.TrimSpace(key), strings.TrimSpace(name)
	if key == "" || name == "" {
		return fmt.Errorf("%w: group key and name are required", storage.ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO army_groups (key, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		key, name, s.millis())
	if err != nil {
		return fmt.Errorf("put group: %w", err)
	}
	return nil
}

// GroupKeyOf returns the army key of a unit. Units that are missing or
// ungrouped belong to the unassigned army.
func (s *Store) GroupKeyOf(ctx context.Context, unitID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT group_key FROM units WHERE id = ?`, unitID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UnassignedGroup, nil
	}
	if err != nil {
		return "", fmt.Errorf("group key: %w", err)
	}
	return models.Unit{Group: key}.GroupKey(), nil
}

// GroupName returns the display name of an army group.
func (s *Store) GroupName(ctx context.Context, key string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM army_groups WHERE key = ?`, key).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("group name: %w", err)
	}
	return name, nil
}
