package combat

import (
	"context"
	"testing"
)

func TestViewBeforeStart(t *testing.T) {
	f := newFixture(t, []string{"orks", "", "orks", "eldar"})
	v, err := f.enc.View(context.Background())
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Phase != "setup" || v.PhaseLabel != "Setup" || v.Started {
		t.Fatalf("phase = %q/%q", v.Phase, v.PhaseLabel)
	}
	if len(v.Armies) != 3 {
		t.Fatalf("armies = %+v, want 3 previewed", v.Armies)
	}
	names := []string{"Goff Boyz", "Unassigned", "eldar"}
	for i, n := range names {
		if v.Armies[i].Name != n {
			t.Fatalf("army %d name = %q, want %q", i, v.Armies[i].Name, n)
		}
		if v.Armies[i].Active {
			t.Fatalf("army %d active before start", i)
		}
	}
	if len(v.Armies[0].Members) != 2 {
		t.Fatalf("orks members = %v", v.Armies[0].Members)
	}
	if len(v.Phases) != 5 || v.Phases[0].Label != "Command" {
		t.Fatalf("phases = %+v", v.Phases)
	}
	for _, p := range v.Phases {
		if p.Active {
			t.Fatalf("phase %q active before start", p.Key)
		}
	}
}

func TestViewAfterStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"orks", "eldar"}, 1, 6)
	if _, err := f.enc.Start(ctx, gm); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.enc.AdvancePhase(ctx, gm); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	v, err := f.enc.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.Phase != "movement" || v.PhaseLabel != "Movement" || v.Round != 1 {
		t.Fatalf("view = %+v", v)
	}
	if v.Armies[0].Key != "eldar" || !v.Armies[0].Active || v.Armies[0].CP != 1 {
		t.Fatalf("first army = %+v, want active eldar with 1 CP", v.Armies[0])
	}
	if v.Armies[1].Active || v.Armies[1].Name != "Goff Boyz" {
		t.Fatalf("second army = %+v", v.Armies[1])
	}
	if v.Current != "a1" {
		t.Fatalf("current = %q, want a1", v.Current)
	}
	var active []string
	for _, p := range v.Phases {
		if p.Active {
			active = append(active, p.Key)
		}
	}
	if len(active) != 1 || active[0] != "movement" {
		t.Fatalf("active phases = %v, want [movement]", active)
	}
}
