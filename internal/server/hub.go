package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pefman/w40k-tabletop/internal/game"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
)

// errNoPlayer indicates a message was addressed to a disconnected player.
var errNoPlayer = errors.New("player not connected")

const writeWait = 10 * time.Second

// Player is one websocket connection inside an encounter room.
type Player struct {
	ID        string
	Name      string
	GM        bool
	Encounter string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	targets []string
	prompts map[string]chan string

	ctx    context.Context
	cancel context.CancelFunc
}

func newPlayer(conn *websocket.Conn, name, encounter string, gm bool) *Player {
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		ID:        uuid.NewString(),
		Name:      name,
		GM:        gm,
		Encounter: encounter,
		conn:      conn,
		prompts:   map[string]chan string{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *Player) send(m models.WsMsg) {
	if p == nil || p.conn == nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteJSON(m); err != nil {
		logging.For("ws").WithFields(logrus.Fields{"player": p.ID}).WithError(err).Warn("write error")
	}
}

func (p *Player) setTargets(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append([]string(nil), ids...)
}

func (p *Player) selected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// answer hands a prompt reply to the stage waiting on it.
func (p *Player) answer(id, value string) bool {
	p.mu.Lock()
	ch, ok := p.prompts[id]
	delete(p.prompts, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

// Hub tracks connected players by encounter room.
type Hub struct {
	mu      sync.RWMutex
	players map[string]*Player
	rooms   map[string]map[string]*Player

	units         unitReader
	promptTimeout time.Duration
}

type unitReader interface {
	GetUnit(ctx context.Context, id string) (models.Unit, error)
}

// NewHub returns an empty hub.
func NewHub(units unitReader, promptTimeout time.Duration) *Hub {
	return &Hub{
		players:       map[string]*Player{},
		rooms:         map[string]map[string]*Player{},
		units:         units,
		promptTimeout: promptTimeout,
	}
}

func (h *Hub) join(p *Player) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.players[p.ID] = p
	room := h.rooms[p.Encounter]
	if room == nil {
		room = map[string]*Player{}
		h.rooms[p.Encounter] = room
	}
	room[p.ID] = p
}

func (h *Hub) leave(p *Player) {
	h.mu.Lock()
	delete(h.players, p.ID)
	if room := h.rooms[p.Encounter]; room != nil {
		delete(room, p.ID)
		if len(room) == 0 {
			delete(h.rooms, p.Encounter)
		}
	}
	h.mu.Unlock()
	p.cancel()
}

func (h *Hub) player(id string) *Player {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.players[id]
}

func (h *Hub) roomMembers(encounter string) []*Player {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Player, 0, len(h.rooms[encounter]))
	for _, p := range h.rooms[encounter] {
		out = append(out, p)
	}
	return out
}

// Broadcast sends m to everyone in an encounter room.
func (h *Hub) Broadcast(encounter string, m models.WsMsg) {
	for _, p := range h.roomMembers(encounter) {
		p.send(m)
	}
}

type noticeMsg struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Notify implements game.Notifier.
func (h *Hub) Notify(_ context.Context, userID string, level game.Level, msg string) {
	h.player(userID).send(models.WsMsg{Type: "notice", Data: noticeMsg{Level: string(level), Message: msg}})
}

// Announce implements combat.Notifier.
func (h *Hub) Announce(_ context.Context, encounterID, level, msg string) {
	h.Broadcast(encounterID, models.WsMsg{Type: "notice", Data: noticeMsg{Level: level, Message: msg}})
}

// SelectedTargets implements game.Targets. Targets that no longer exist
// are skipped.
func (h *Hub) SelectedTargets(ctx context.Context, userID string) ([]game.UnitSnapshot, error) {
	p := h.player(userID)
	if p == nil {
		return nil, nil
	}
	var out []game.UnitSnapshot
	for _, id := range p.selected() {
		u, err := h.units.GetUnit(ctx, id)
		if err != nil {
			logging.For("ws").WithFields(logrus.Fields{"player": userID, "unit": id}).WithError(err).Debug("target lookup failed")
			continue
		}
		out = append(out, game.SnapshotOf(u))
	}
	return out, nil
}

type promptMsg struct {
	ID string `json:"id"`
	game.Prompt
}

// Prompt implements game.Prompter. It waits for a prompt_reply from the
// player, the prompt timeout, or the player disconnecting; the last two
// count as a cancelled prompt.
func (h *Hub) Prompt(ctx context.Context, userID string, pr game.Prompt) (string, error) {
	p := h.player(userID)
	if p == nil {
		return "", errNoPlayer
	}
	id := uuid.NewString()
	ch := make(chan string, 1)
	p.mu.Lock()
	p.prompts[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.prompts, id)
		p.mu.Unlock()
	}()

	p.send(models.WsMsg{Type: "prompt", Data: promptMsg{ID: id, Prompt: pr}})

	wait, cancel := context.WithTimeout(ctx, h.promptTimeout)
	defer cancel()
	select {
	case v := <-ch:
		return v, nil
	case <-p.ctx.Done():
		return "", nil
	case <-wait.Done():
		return "", wait.Err()
	}
}
