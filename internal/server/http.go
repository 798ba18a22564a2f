package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pefman/w40k-tabletop/internal/combat"
	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/game"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
	"github.com/pefman/w40k-tabletop/internal/storage"
	"github.com/pefman/w40k-tabletop/internal/version"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(code),
		"message": msg,
		"status":  code,
	})
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, combat.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalid), errors.Is(err, combat.ErrInvalidState),
		errors.Is(err, engine.ErrInvalidExpression), errors.Is(err, game.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		logging.For("http").WithError(err).Error("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

// simple CORS for browser clients
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Info())
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.repo.ListUnits(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var u models.Unit
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.repo.CreateUnit(r.Context(), u)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.repo.GetUnit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSetUnitGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Group string `json:"group"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.repo.SetUnitGroup(r.Context(), mux.Vars(r)["id"], body.Group); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.repo.PutGroup(r.Context(), mux.Vars(r)["key"], body.Name); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createEncounterReq struct {
	Name    string   `json:"name"`
	UnitIDs []string `json:"unit_ids,omitempty"`
}

func (s *Server) handleCreateEncounter(w http.ResponseWriter, r *http.Request) {
	var req createEncounterReq
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()
	state := combat.NewState(uuid.NewString(), req.Name)
	if err := s.repo.CreateEncounter(ctx, state); err != nil {
		writeErr(w, err)
		return
	}
	enc, err := s.encounter(ctx, state.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(req.UnitIDs) > 0 {
		if err := s.joinUnits(ctx, enc, req.UnitIDs); err != nil {
			writeErr(w, err)
			return
		}
	}
	view, err := enc.View(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetEncounter(w http.ResponseWriter, r *http.Request) {
	enc, err := s.encounter(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	view, err := enc.View(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// shootReq names stored units, or carries the profiles inline.
type shootReq struct {
	AttackerID string               `json:"attacker_id,omitempty"`
	WeaponRef  string               `json:"weapon_ref,omitempty"`
	DefenderID string               `json:"defender_id,omitempty"`
	Weapon     *game.WeaponSnapshot `json:"weapon,omitempty"`
	Defender   *game.UnitSnapshot   `json:"defender,omitempty"`
}

func (s *Server) handleSimShoot(w http.ResponseWriter, r *http.Request) {
	var req shootReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()

	var weapon game.WeaponSnapshot
	switch {
	case req.Weapon != nil:
		weapon = *req.Weapon
	case req.AttackerID != "":
		u, err := s.repo.GetUnit(ctx, req.AttackerID)
		if err != nil {
			writeErr(w, err)
			return
		}
		wp, ok := u.Weapon(req.WeaponRef)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown weapon")
			return
		}
		weapon = game.WeaponOf(wp)
	default:
		writeError(w, http.StatusBadRequest, "weapon or attacker_id is required")
		return
	}

	var def game.UnitSnapshot
	switch {
	case req.Defender != nil:
		def = *req.Defender
	case req.DefenderID != "":
		u, err := s.repo.GetUnit(ctx, req.DefenderID)
		if err != nil {
			writeErr(w, err)
			return
		}
		def = game.SnapshotOf(u)
	default:
		writeError(w, http.StatusBadRequest, "defender or defender_id is required")
		return
	}

	res, err := game.ResolveVolley(ctx, s.dice, weapon, def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatsToday(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daily.Today())
}
