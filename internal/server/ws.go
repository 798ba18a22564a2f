package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pefman/w40k-tabletop/internal/combat"
	"github.com/pefman/w40k-tabletop/internal/game"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
	"github.com/pefman/w40k-tabletop/internal/telemetry"
)

// errForbidden indicates a GM-only command from a player.
var errForbidden = errors.New("only the GM can do that")

type clientIn struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func errorMsg(msg string) models.WsMsg {
	return models.WsMsg{Type: "error", Data: map[string]string{"message": msg}}
}

type youMsg struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GM        bool   `json:"gm"`
	Encounter string `json:"encounter"`
}

// handleWS joins /ws?encounter=ID&user=NAME&gm=1 to the encounter room.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	encounterID := q.Get("encounter")
	if encounterID == "" {
		writeError(w, http.StatusBadRequest, "missing encounter")
		return
	}
	enc, err := s.encounter(r.Context(), encounterID)
	if err != nil {
		writeErr(w, err)
		return
	}
	name := strings.TrimSpace(q.Get("user"))
	if name == "" {
		name = "Player"
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logging.For("ws").WithError(err).Warn("upgrade failed")
		return
	}
	conn.SetReadLimit(maxBody)
	p := newPlayer(conn, name, encounterID, q.Get("gm") == "1")
	s.hub.join(p)
	logging.For("ws").WithFields(logrus.Fields{
		"player":    p.ID,
		"name":      p.Name,
		"gm":        p.GM,
		"encounter": encounterID,
		"from":      r.RemoteAddr,
	}).Info("connect")

	p.send(models.WsMsg{Type: "you", Data: youMsg{ID: p.ID, Name: p.Name, GM: p.GM, Encounter: encounterID}})
	if view, err := enc.View(p.ctx); err == nil {
		p.send(models.WsMsg{Type: "state", Data: view})
	}
	go s.wsReader(p, enc)
}

func (s *Server) wsReader(p *Player, enc *combat.Encounter) {
	defer func() {
		s.hub.leave(p)
		_ = p.conn.Close()
		logging.For("ws").WithFields(logrus.Fields{"player": p.ID, "name": p.Name}).Info("closed")
	}()
	for {
		var in clientIn
		if err := p.conn.ReadJSON(&in); err != nil {
			logging.For("ws").WithFields(logrus.Fields{"player": p.ID}).WithError(err).Debug("read error")
			return
		}
		logging.For("ws").WithFields(logrus.Fields{"player": p.ID, "type": in.Type}).Debug("recv")
		if in.Type == "prompt_reply" {
			var body struct {
				ID    string `json:"id"`
				Value string `json:"value"`
			}
			_ = json.Unmarshal(in.Data, &body)
			if !p.answer(body.ID, body.Value) {
				p.send(errorMsg("no such prompt"))
			}
			continue
		}
		// Stages may block on a prompt, so they must not hold up the reader.
		go s.dispatch(p, enc, in)
	}
}

func (s *Server) dispatch(p *Player, enc *combat.Encounter, in clientIn) {
	ctx, span := telemetry.Tracer("server").Start(p.ctx, "ws."+in.Type)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s panicked: %v", in.Type, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logging.For("ws").WithFields(logrus.Fields{
				"player":    p.ID,
				"type":      in.Type,
				"encounter": enc.ID(),
				"stack":     string(debug.Stack()),
			}).Error("command panicked")
			p.send(errorMsg("internal error"))
		}
	}()
	span.SetAttributes(
		attribute.String("encounter", enc.ID()),
		attribute.String("player", p.ID),
	)
	if err := s.handle(ctx, p, enc, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.For("ws").WithFields(logrus.Fields{
			"player":    p.ID,
			"type":      in.Type,
			"encounter": enc.ID(),
		}).WithError(err).Warn("command failed")
		p.send(errorMsg(err.Error()))
	}
}

func (s *Server) handle(ctx context.Context, p *Player, enc *combat.Encounter, in clientIn) error {
	actor := combat.Actor{Name: p.Name, GM: p.GM}
	switch in.Type {
	case "start", "next", "prev":
		if !p.GM {
			return errForbidden
		}
		var err error
		switch in.Type {
		case "start":
			_, err = enc.Start(ctx, actor)
		case "next":
			_, err = enc.AdvancePhase(ctx, actor)
		default:
			_, err = enc.RetreatPhase(ctx, actor)
		}
		if err != nil {
			return err
		}
		return s.broadcastState(ctx, enc)

	case "join":
		var body struct {
			UnitIDs []string `json:"unit_ids"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid join: %w", err)
		}
		if err := s.joinUnits(ctx, enc, body.UnitIDs); err != nil {
			return err
		}
		return s.broadcastState(ctx, enc)

	case "resource":
		if !p.GM {
			return errForbidden
		}
		var body struct {
			Kind   combat.Resource `json:"kind"`
			Army   string          `json:"army"`
			Action string          `json:"action"`
			Delta  int             `json:"delta"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid resource: %w", err)
		}
		var err error
		if body.Action != "" {
			_, err = enc.AdjustResource(ctx, body.Kind, body.Army, body.Action)
		} else {
			_, err = enc.AddResource(ctx, body.Kind, body.Army, body.Delta)
		}
		if err != nil {
			return err
		}
		return s.broadcastState(ctx, enc)

	case "target":
		var body struct {
			UnitIDs []string `json:"unit_ids"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
		var names []string
		for _, id := range body.UnitIDs {
			u, err := s.repo.GetUnit(ctx, id)
			if err != nil {
				return fmt.Errorf("target %s: %w", id, err)
			}
			names = append(names, u.Name)
		}
		p.setTargets(body.UnitIDs)
		msg := "Targets cleared"
		if len(names) > 0 {
			msg = "Targeting " + strings.Join(names, ", ")
		}
		s.hub.Notify(ctx, p.ID, game.LevelInfo, msg)
		return nil

	case "attack":
		var body struct {
			UnitID string `json:"unit_id"`
			Weapon string `json:"weapon"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid attack: %w", err)
		}
		u, err := s.repo.GetUnit(ctx, body.UnitID)
		if err != nil {
			return fmt.Errorf("attacker: %w", err)
		}
		w, ok := u.Weapon(body.Weapon)
		if !ok {
			return fmt.Errorf("%s has no weapon %q", u.Name, body.Weapon)
		}
		_, card, err := s.pipeline.RollHits(ctx, p.ID, game.BeginAttack(u, w))
		if err != nil {
			return err
		}
		s.broadcastCard(enc, card)
		return nil

	case "roll_hits", game.ActionRollWounds, game.ActionRollSaves, game.ActionRollDamage, game.ActionApplyDamage:
		var body struct {
			Context game.ResolutionContext `json:"context"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid %s: %w", in.Type, err)
		}
		card, err := s.runStage(ctx, p.ID, in.Type, body.Context)
		if err != nil {
			return err
		}
		s.broadcastCard(enc, card)
		return nil

	case "phase_action":
		var body struct {
			UnitID string `json:"unit_id"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(in.Data, &body); err != nil {
			return fmt.Errorf("invalid phase_action: %w", err)
		}
		u, err := s.repo.GetUnit(ctx, body.UnitID)
		if err != nil {
			return fmt.Errorf("unit: %w", err)
		}
		card, err := game.PhaseAction(ctx, s.dice, u, body.Action)
		if err != nil {
			return err
		}
		s.broadcastCard(enc, card)
		return nil

	default:
		return fmt.Errorf("unknown message type %q", in.Type)
	}
}

func (s *Server) runStage(ctx context.Context, userID, stage string, rc game.ResolutionContext) (game.Card, error) {
	var (
		card game.Card
		err  error
	)
	switch stage {
	case "roll_hits":
		_, card, err = s.pipeline.RollHits(ctx, userID, rc)
	case game.ActionRollWounds:
		_, card, err = s.pipeline.RollWounds(ctx, userID, rc)
	case game.ActionRollSaves:
		_, card, err = s.pipeline.RollSaves(ctx, userID, rc)
	case game.ActionRollDamage:
		card, err = s.pipeline.RollDamage(ctx, userID, rc)
	case game.ActionApplyDamage:
		_, card, err = s.pipeline.ApplyDamage(ctx, userID, rc)
	}
	return card, err
}

// joinUnits adds stored units to the encounter as combatants.
func (s *Server) joinUnits(ctx context.Context, enc *combat.Encounter, unitIDs []string) error {
	if len(unitIDs) == 0 {
		return nil
	}
	cs := make([]combat.Combatant, 0, len(unitIDs))
	for _, id := range unitIDs {
		u, err := s.repo.GetUnit(ctx, id)
		if err != nil {
			return fmt.Errorf("unit %s: %w", id, err)
		}
		cs = append(cs, combat.Combatant{ActorID: u.ID, Name: u.Name})
	}
	_, _, err := enc.AddCombatants(ctx, cs)
	return err
}

func (s *Server) broadcastState(ctx context.Context, enc *combat.Encounter) error {
	view, err := enc.View(ctx)
	if err != nil {
		return err
	}
	s.hub.Broadcast(enc.ID(), models.WsMsg{Type: "state", Data: view})
	return nil
}

func (s *Server) broadcastCard(enc *combat.Encounter, card game.Card) {
	s.hub.Broadcast(enc.ID(), models.WsMsg{Type: "card", Data: card})
}
