package models

import "strings"

// ========================= Domain Models =========================
// Documents shared by storage, the rules engine and the transport.

// UnassignedGroup is the army key for units that belong to no group.
const UnassignedGroup = "unassigned"

// Weapon is one weapon profile carried by a unit.
type Weapon struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Range in inches; 0 means melee.
	Range int `json:"range"`
	// Attacks and Damage are a fixed integer ("4") or a dice expression ("D6+1").
	Attacks  string `json:"attacks"`
	Skill    int    `json:"skill"` // BS/WS threshold, 3 means 3+
	Strength int    `json:"strength"`
	AP       int    `json:"ap"` // e.g. -1 worsens the save by one
	Damage   string `json:"damage"`
}

// Melee reports whether the weapon is a close combat profile.
func (w Weapon) Melee() bool { return w.Range == 0 }

// Stats is a unit's datasheet line.
type Stats struct {
	Move       int `json:"move"`
	Toughness  int `json:"toughness"`
	Save       int `json:"save"`       // 2..6, 7 means none
	InvSave    int `json:"inv_save"`   // 0 if none
	Leadership int `json:"leadership"` // informational
	OC         int `json:"oc"`         // objective control
}

// Unit is an actor on the table. Group is the army key it fights for.
type Unit struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Group     string   `json:"group"`
	Stats     Stats    `json:"stats"`
	Wounds    int      `json:"wounds"`
	MaxWounds int      `json:"max_wounds"`
	Weapons   []Weapon `json:"weapons,omitempty"`
}

// GroupKey returns the unit's army key, defaulting to UnassignedGroup.
func (u Unit) GroupKey() string {
	if g := strings.TrimSpace(u.Group); g != "" {
		return g
	}
	return UnassignedGroup
}

// Weapon finds a weapon by id, falling back to a case-insensitive name match.
func (u Unit) Weapon(ref string) (Weapon, bool) {
	ref = strings.TrimSpace(ref)
	for _, w := range u.Weapons {
		if w.ID != "" && w.ID == ref {
			return w, true
		}
	}
	for _, w := range u.Weapons {
		if strings.EqualFold(w.Name, ref) {
			return w, true
		}
	}
	return Weapon{}, false
}

// RangedWeapons returns the weapons usable in the shooting phase.
func (u Unit) RangedWeapons() []Weapon {
	var out []Weapon
	for _, w := range u.Weapons {
		if !w.Melee() {
			out = append(out, w)
		}
	}
	return out
}

// MeleeWeapons returns the weapons usable in the fight phase.
func (u Unit) MeleeWeapons() []Weapon {
	var out []Weapon
	for _, w := range u.Weapons {
		if w.Melee() {
			out = append(out, w)
		}
	}
	return out
}

// WsMsg is the websocket envelope in both directions.
type WsMsg struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}
