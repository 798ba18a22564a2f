// Package stats keeps the day's combat highlights in memory.
package stats

import (
	"sync"
	"time"

	"github.com/pefman/w40k-tabletop/internal/game"
)

// DamageRecord is one applied volley.
type DamageRecord struct {
	Attacker string    `json:"attacker"`
	Weapon   string    `json:"weapon"`
	Defender string    `json:"defender"`
	Damage   int       `json:"damage"`
	At       time.Time `json:"at"`
}

// SaveRecord is one batch of saving throws.
type SaveRecord struct {
	Defender string    `json:"defender"`
	Need     int       `json:"need"`
	Rolled   int       `json:"rolled"`
	Failed   int       `json:"failed"`
	At       time.Time `json:"at"`
}

// Day is the leaderboard for one UTC date.
type Day struct {
	Date       string         `json:"date"`
	TopDamage  *DamageRecord  `json:"top_damage,omitempty"`
	WorstSaves *SaveRecord    `json:"worst_saves,omitempty"`
	Damage     map[string]int `json:"damage_by_attacker"`
}

// Daily tracks the best volley and the worst save roll per UTC day.
type Daily struct {
	mu   sync.Mutex
	now  func() time.Time
	days map[string]*Day
}

var _ game.DamageRecorder = (*Daily)(nil)

// NewDaily returns an empty tracker.
func NewDaily() *Daily {
	return &Daily{now: time.Now, days: map[string]*Day{}}
}

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (d *Daily) today() (*Day, time.Time) {
	now := d.now().UTC()
	key := dateKey(now)
	day := d.days[key]
	if day == nil {
		day = &Day{Date: key, Damage: map[string]int{}}
		d.days[key] = day
		// only yesterday and today are served
		for k := range d.days {
			if k < dateKey(now.AddDate(0, 0, -1)) {
				delete(d.days, k)
			}
		}
	}
	return day, now
}

// RecordDamage keeps the biggest single volley of the day. Ties keep the
// earlier record.
func (d *Daily) RecordDamage(attacker, weapon, defender string, damage int) {
	if damage <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	day, now := d.today()
	day.Damage[attacker] += damage
	if day.TopDamage == nil || damage > day.TopDamage.Damage {
		day.TopDamage = &DamageRecord{Attacker: attacker, Weapon: weapon, Defender: defender, Damage: damage, At: now}
	}
}

// RecordSaves keeps the save roll with the most failures, breaking ties
// by the easier save (lower need).
func (d *Daily) RecordSaves(defender string, need int, faces []int) {
	if len(faces) == 0 {
		return
	}
	failed := 0
	for _, f := range faces {
		if !game.IsSaved(f, need) {
			failed++
		}
	}
	if failed == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	day, now := d.today()
	cur := day.WorstSaves
	if cur == nil || failed > cur.Failed || (failed == cur.Failed && need < cur.Need) {
		day.WorstSaves = &SaveRecord{Defender: defender, Need: need, Rolled: len(faces), Failed: failed, At: now}
	}
}

// Today returns a copy of the current day's leaderboard.
func (d *Daily) Today() Day {
	d.mu.Lock()
	defer d.mu.Unlock()
	day, _ := d.today()
	out := Day{Date: day.Date, Damage: make(map[string]int, len(day.Damage))}
	for k, v := range day.Damage {
		out.Damage[k] = v
	}
	if day.TopDamage != nil {
		r := *day.TopDamage
		out.TopDamage = &r
	}
	if day.WorstSaves != nil {
		r := *day.WorstSaves
		out.WorstSaves = &r
	}
	return out
}

// Reset clears every day.
func (d *Daily) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.days = map[string]*Day{}
}
