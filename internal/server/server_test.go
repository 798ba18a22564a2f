package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pefman/w40k-tabletop/internal/combat"
	"github.com/pefman/w40k-tabletop/internal/config"
	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/game"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
	"github.com/pefman/w40k-tabletop/internal/stats"
	"github.com/pefman/w40k-tabletop/internal/storage/sqlite"
)

// scripted replays faces, then keeps rolling the maximum.
type scripted struct {
	mu    sync.Mutex
	faces []int
}

func (s *scripted) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.faces) == 0 {
		return n - 1
	}
	f := s.faces[0]
	s.faces = s.faces[1:]
	if f > n {
		f = n
	}
	return f - 1
}

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store *sqlite.Store
	daily *stats.Daily
}

func newFixture(t *testing.T, faces ...int) *fixture {
	t.Helper()
	return newFixtureWith(t, &scripted{faces: faces})
}

func newFixtureWith(t *testing.T, src engine.Source) *fixture {
	t.Helper()
	logging.Discard()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{
		Addr:             ":0",
		DBPath:           "unused",
		PromptTimeout:    2 * time.Second,
		DefaultToughness: 4,
	}
	daily := stats.NewDaily()
	srv := New(cfg, store, engine.NewDice(src), daily)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, store: store, daily: daily}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func boyz() models.Unit {
	return models.Unit{
		Name:      "Boyz",
		Group:     "orks",
		Stats:     models.Stats{Move: 6, Toughness: 5, Save: 5},
		MaxWounds: 10,
		Weapons: []models.Weapon{
			{ID: "choppa", Name: "Choppa", Attacks: "2", Skill: 3, Strength: 4, Damage: "1"},
		},
	}
}

func marines() models.Unit {
	return models.Unit{
		Name:      "Intercessors",
		Group:     "ultramarines",
		Stats:     models.Stats{Move: 6, Toughness: 4, Save: 3},
		MaxWounds: 2,
	}
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)
	if code := f.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	var v map[string]string
	if code := f.do(t, http.MethodGet, "/version", nil, &v); code != http.StatusOK {
		t.Fatalf("version = %d, want 200", code)
	}
	if v["version"] == "" {
		t.Fatalf("version payload = %v", v)
	}
}

func TestUnitsAPI(t *testing.T) {
	f := newFixture(t)

	var created models.Unit
	if code := f.do(t, http.MethodPost, "/api/units", boyz(), &created); code != http.StatusCreated {
		t.Fatalf("create = %d, want 201", code)
	}
	if created.ID == "" || created.Wounds != 10 {
		t.Fatalf("created = %+v", created)
	}
	if code := f.do(t, http.MethodPost, "/api/units", models.Unit{}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid create = %d, want 400", code)
	}

	var got models.Unit
	if code := f.do(t, http.MethodGet, "/api/units/"+created.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if got.Name != "Boyz" || len(got.Weapons) != 1 {
		t.Fatalf("get = %+v", got)
	}
	if code := f.do(t, http.MethodGet, "/api/units/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", code)
	}

	if code := f.do(t, http.MethodPut, "/api/units/"+created.ID+"/group", map[string]string{"group": "goffs"}, nil); code != http.StatusNoContent {
		t.Fatalf("set group = %d, want 204", code)
	}
	if code := f.do(t, http.MethodPut, "/api/groups/goffs", map[string]string{"name": "Goff Boyz"}, nil); code != http.StatusNoContent {
		t.Fatalf("put group = %d, want 204", code)
	}

	var list []models.Unit
	if code := f.do(t, http.MethodGet, "/api/units", nil, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list) != 1 || list[0].Group != "goffs" {
		t.Fatalf("list = %+v", list)
	}
}

func TestEncounterAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.store.CreateUnit(ctx, boyz())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := f.store.CreateUnit(ctx, marines())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var view combat.TrackerView
	body := map[string]any{"name": "Skirmish", "unit_ids": []string{a.ID, b.ID}}
	if code := f.do(t, http.MethodPost, "/api/encounters", body, &view); code != http.StatusCreated {
		t.Fatalf("create encounter = %d, want 201", code)
	}
	if view.ID == "" || view.Started || view.Phase != "setup" {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Armies) != 2 || view.Armies[0].Key != "orks" {
		t.Fatalf("armies = %+v", view.Armies)
	}

	var again combat.TrackerView
	if code := f.do(t, http.MethodGet, "/api/encounters/"+view.ID, nil, &again); code != http.StatusOK {
		t.Fatalf("get encounter = %d", code)
	}
	if again.ID != view.ID || len(again.Armies) != 2 {
		t.Fatalf("again = %+v", again)
	}
	if code := f.do(t, http.MethodGet, "/api/encounters/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing encounter = %d, want 404", code)
	}
	body = map[string]any{"unit_ids": []string{"ghost"}}
	if code := f.do(t, http.MethodPost, "/api/encounters", body, nil); code != http.StatusNotFound {
		t.Fatalf("unknown unit = %d, want 404", code)
	}
}

func TestSimShoot(t *testing.T) {
	// hits: 5,1 / wound: 4 / save: 2 / damage D3: 3
	f := newFixture(t, 5, 1, 4, 2, 3)
	req := map[string]any{
		"weapon":   game.WeaponSnapshot{Name: "Bolt rifle", Attacks: "2", Skill: 3, Strength: 4, AP: -1, Damage: "D3+1"},
		"defender": game.UnitSnapshot{Name: "Boyz", T: 4, W: 5, Sv: 3},
	}
	var res game.ShootingResult
	if code := f.do(t, http.MethodPost, "/api/sim/shoot", req, &res); code != http.StatusOK {
		t.Fatalf("shoot = %d, want 200", code)
	}
	if res.DamageTotal != 4 || res.DefenderWounds != 1 {
		t.Fatalf("result = %+v", res)
	}
	if code := f.do(t, http.MethodPost, "/api/sim/shoot", map[string]any{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty shoot = %d, want 400", code)
	}
}

func TestSimShootStoredUnits(t *testing.T) {
	f := newFixture(t, 5, 5, 4, 4, 1, 1)
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	b, _ := f.store.CreateUnit(ctx, marines())
	req := map[string]any{"attacker_id": a.ID, "weapon_ref": "choppa", "defender_id": b.ID}
	var res game.ShootingResult
	if code := f.do(t, http.MethodPost, "/api/sim/shoot", req, &res); code != http.StatusOK {
		t.Fatalf("shoot = %d, want 200", code)
	}
	if res.Unsaved != 2 || res.DefenderWounds != 0 {
		t.Fatalf("result = %+v", res)
	}
	// the simulator never persists
	got, err := f.store.GetUnit(ctx, b.ID)
	if err != nil || got.Wounds != 2 {
		t.Fatalf("defender = %+v, %v", got, err)
	}
	req["weapon_ref"] = "lasgun"
	if code := f.do(t, http.MethodPost, "/api/sim/shoot", req, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown weapon = %d, want 400", code)
	}
}

type inMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T, encounter, user string, gm bool) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?encounter=" + encounter + "&user=" + user
	if gm {
		u += "&gm=1"
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ string, data any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		c.t.Fatalf("send %s: %v", typ, err)
	}
}

// await reads until a message of type typ satisfies match.
func (c *client) await(typ string, match func(json.RawMessage) bool) json.RawMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m inMsg
		if err := c.conn.ReadJSON(&m); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ && (match == nil || match(m.Data)) {
			return m.Data
		}
	}
}

func (c *client) card(kind string) game.Card {
	c.t.Helper()
	var card game.Card
	c.await("card", func(raw json.RawMessage) bool {
		card = game.Card{}
		return json.Unmarshal(raw, &card) == nil && card.Kind == kind
	})
	return card
}

func TestWebsocketRejectsUnknownEncounter(t *testing.T) {
	f := newFixture(t)
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?encounter=nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v, want 404", resp)
	}
}

func TestWebsocketAttackFlow(t *testing.T) {
	// initiative 6,1 / hits 5,5 / wounds 4,4 / saves 1,2
	f := newFixture(t, 6, 1, 5, 5, 4, 4, 1, 2)
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	b, _ := f.store.CreateUnit(ctx, marines())

	var view combat.TrackerView
	body := map[string]any{"name": "Skirmish", "unit_ids": []string{a.ID, b.ID}}
	if code := f.do(t, http.MethodPost, "/api/encounters", body, &view); code != http.StatusCreated {
		t.Fatalf("create encounter = %d", code)
	}

	gm := f.dial(t, view.ID, "Gamesmaster", true)
	var you youMsg
	if err := json.Unmarshal(gm.await("you", nil), &you); err != nil || !you.GM {
		t.Fatalf("you = %+v, %v", you, err)
	}
	gm.await("state", nil)

	player := f.dial(t, view.ID, "Bob", false)
	player.await("state", nil)
	player.send("start", nil)
	player.await("error", nil)

	gm.send("start", nil)
	var started combat.TrackerView
	gm.await("state", func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &started) == nil && started.Started
	})
	if started.Round != 1 || started.Armies[0].Key != "orks" || started.Armies[0].CP != 1 {
		t.Fatalf("started = %+v", started)
	}
	// the player sees the same broadcast
	player.await("state", func(raw json.RawMessage) bool {
		var v combat.TrackerView
		return json.Unmarshal(raw, &v) == nil && v.Started
	})

	gm.send("attack", map[string]string{"unit_id": a.ID, "weapon": "Choppa"})
	hits := gm.card(game.CardHits)
	if hits.Context == nil || hits.Context.Hits != 2 {
		t.Fatalf("hits card = %+v", hits)
	}

	// no target selected, so toughness is prompted
	gm.send(game.ActionRollWounds, map[string]any{"context": hits.Context})
	var pr promptMsg
	if err := json.Unmarshal(gm.await("prompt", nil), &pr); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if pr.Kind != "toughness" || pr.Default != 4 {
		t.Fatalf("prompt = %+v", pr)
	}
	gm.send("prompt_reply", map[string]string{"id": pr.ID, "value": "4"})
	wounds := gm.card(game.CardWounds)
	if wounds.Context == nil || wounds.Context.Toughness != 4 || wounds.Context.Wounds != 2 {
		t.Fatalf("wounds card = %+v", wounds)
	}

	gm.send("target", map[string]any{"unit_ids": []string{b.ID}})
	gm.await("notice", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), "Targeting Intercessors")
	})

	gm.send(game.ActionRollSaves, map[string]any{"context": wounds.Context})
	saves := gm.card(game.CardSaves)
	if saves.Context == nil || saves.Context.FailedSaves != 2 || saves.Context.DefenderID != b.ID {
		t.Fatalf("saves card = %+v", saves)
	}

	gm.send(game.ActionApplyDamage, map[string]any{"context": saves.Context})
	dmg := gm.card(game.CardDamage)
	if dmg.Context != nil {
		t.Fatalf("damage card should end the chain: %+v", dmg)
	}
	got, err := f.store.GetUnit(ctx, b.ID)
	if err != nil || got.Wounds != 0 {
		t.Fatalf("defender = %+v, %v", got, err)
	}
	day := f.daily.Today()
	if day.TopDamage == nil || day.TopDamage.Damage != 2 || day.TopDamage.Attacker != "Boyz" {
		t.Fatalf("top damage = %+v", day.TopDamage)
	}

	var statsDay stats.Day
	if code := f.do(t, http.MethodGet, "/api/stats/today", nil, &statsDay); code != http.StatusOK {
		t.Fatalf("stats = %d", code)
	}
	if statsDay.WorstSaves == nil || statsDay.WorstSaves.Failed != 2 {
		t.Fatalf("worst saves = %+v", statsDay.WorstSaves)
	}
}

func TestWebsocketAdvanceAndResources(t *testing.T) {
	f := newFixture(t, 6, 1)
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	b, _ := f.store.CreateUnit(ctx, marines())
	var view combat.TrackerView
	f.do(t, http.MethodPost, "/api/encounters", map[string]any{"unit_ids": []string{a.ID, b.ID}}, &view)

	gm := f.dial(t, view.ID, "GM", true)
	gm.await("state", nil)
	gm.send("start", nil)
	gm.await("state", func(raw json.RawMessage) bool { return strings.Contains(string(raw), `"started":true`) })

	gm.send("next", nil)
	var v combat.TrackerView
	gm.await("state", func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &v) == nil && v.Phase == string(combat.PhaseMovement)
	})

	gm.send("prev", nil)
	gm.await("state", func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &v) == nil && v.Phase == string(combat.PhaseCommand)
	})

	gm.send("resource", map[string]any{"kind": "vp", "army": "orks", "delta": 5})
	gm.await("state", func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &v) == nil && v.Armies[0].VP == 5
	})
	gm.send("resource", map[string]any{"kind": "vp", "army": "orks", "action": "remove"})
	gm.await("state", func(raw json.RawMessage) bool {
		return json.Unmarshal(raw, &v) == nil && v.Armies[0].VP == 4
	})

	gm.send("resource", map[string]any{"kind": "gold", "army": "orks", "delta": 1})
	gm.await("error", nil)
	gm.send("bogus", nil)
	gm.await("error", func(raw json.RawMessage) bool { return strings.Contains(string(raw), "unknown message type") })
}

func TestWebsocketPhaseAction(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	var view combat.TrackerView
	f.do(t, http.MethodPost, "/api/encounters", map[string]any{"unit_ids": []string{a.ID}}, &view)

	c := f.dial(t, view.ID, "Bob", false)
	c.send("phase_action", map[string]string{"unit_id": a.ID, "action": game.PhaseActionAdvance})
	card := c.card(game.CardPhaseAction)
	if card.Summary != `9"` {
		t.Fatalf("advance summary = %q, want 9\"", card.Summary)
	}
}

func TestEncounterLoadedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	state := combat.NewState("enc-1", "Cached")
	if err := f.store.CreateEncounter(ctx, state); err != nil {
		t.Fatalf("create encounter: %v", err)
	}

	const n = 8
	got := make([]*combat.Encounter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := f.srv.encounter(ctx, state.ID)
			if err != nil {
				t.Errorf("encounter: %v", err)
				return
			}
			got[i] = e
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("encounter %d = %p, want %p", i, got[i], got[0])
		}
	}
	if _, err := f.srv.encounter(ctx, "missing"); err == nil {
		t.Fatal("expected missing encounter error")
	}
}

// exploding panics on the first draw, then rolls the maximum.
type exploding struct {
	mu    sync.Mutex
	fired bool
}

func (e *exploding) Intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fired {
		e.fired = true
		panic("dice jammed")
	}
	return n - 1
}

func TestWebsocketCommandPanicIsContained(t *testing.T) {
	f := newFixtureWith(t, &exploding{})
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	var view combat.TrackerView
	f.do(t, http.MethodPost, "/api/encounters", map[string]any{"unit_ids": []string{a.ID}}, &view)

	c := f.dial(t, view.ID, "Bob", false)
	c.send("phase_action", map[string]string{"unit_id": a.ID, "action": game.PhaseActionAdvance})
	c.await("error", func(raw json.RawMessage) bool { return strings.Contains(string(raw), "internal error") })

	// the process and the dice survive the panic
	c.send("phase_action", map[string]string{"unit_id": a.ID, "action": game.PhaseActionAdvance})
	card := c.card(game.CardPhaseAction)
	if card.Summary != `12"` {
		t.Fatalf("advance summary = %q, want 12\"", card.Summary)
	}
	if code := f.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
}

func TestWebsocketRejectsOversizedPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.store.CreateUnit(ctx, boyz())
	var view combat.TrackerView
	f.do(t, http.MethodPost, "/api/encounters", map[string]any{"unit_ids": []string{a.ID}}, &view)

	c := f.dial(t, view.ID, "Bob", false)
	rc := game.ResolutionContext{Weapon: game.WeaponSnapshot{Strength: 4, Damage: "1"}, Hits: 100000000000000, Toughness: 4}
	c.send(game.ActionRollWounds, map[string]any{"context": rc})
	var pr promptMsg
	if err := json.Unmarshal(c.await("prompt", nil), &pr); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	c.send("prompt_reply", map[string]string{"id": pr.ID, "value": "4"})
	c.await("error", func(raw json.RawMessage) bool { return strings.Contains(string(raw), "invalid dice expression") })
}

func TestEncounterLoadIgnoresCallerCancel(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateEncounter(context.Background(), combat.NewState("enc-2", "Shared")); err != nil {
		t.Fatalf("create encounter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, err := f.srv.encounter(ctx, "enc-2")
	if err != nil || e == nil {
		t.Fatalf("encounter = %v, %v; want loaded", e, err)
	}
}
