// Package server exposes the combat engine over HTTP and websockets.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/pefman/w40k-tabletop/internal/combat"
	"github.com/pefman/w40k-tabletop/internal/config"
	"github.com/pefman/w40k-tabletop/internal/engine"
	"github.com/pefman/w40k-tabletop/internal/game"
	"github.com/pefman/w40k-tabletop/internal/logging"
	"github.com/pefman/w40k-tabletop/internal/models"
	"github.com/pefman/w40k-tabletop/internal/stats"
	"github.com/pefman/w40k-tabletop/internal/telemetry"
)

// Repository is the storage the server needs.
type Repository interface {
	combat.Store
	combat.Groups
	game.Units
	CreateUnit(ctx context.Context, u models.Unit) (models.Unit, error)
	GetUnit(ctx context.Context, id string) (models.Unit, error)
	ListUnits(ctx context.Context) ([]models.Unit, error)
	SetUnitGroup(ctx context.Context, id, group string) error
	PutGroup(ctx context.Context, key, name string) error
	CreateEncounter(ctx context.Context, state combat.EncounterState) error
	Ping(ctx context.Context) error
}

// Server owns the router, the websocket hub and the live encounters.
type Server struct {
	cfg      config.Config
	repo     Repository
	dice     engine.Roller
	daily    *stats.Daily
	hub      *Hub
	pipeline *game.Pipeline
	router   *mux.Router
	upgrader websocket.Upgrader

	mu         sync.Mutex
	encounters map[string]*combat.Encounter
	loading    singleflight.Group
}

// New wires a server. daily may be nil.
func New(cfg config.Config, repo Repository, dice engine.Roller, daily *stats.Daily) *Server {
	if daily == nil {
		daily = stats.NewDaily()
	}
	hub := NewHub(repo, cfg.PromptTimeout)
	s := &Server{
		cfg:        cfg,
		repo:       repo,
		dice:       dice,
		daily:      daily,
		hub:        hub,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		encounters: map[string]*combat.Encounter{},
	}
	s.pipeline = &game.Pipeline{
		Dice:             dice,
		Targets:          hub,
		Prompter:         hub,
		Units:            repo,
		Notifier:         hub,
		Stats:            daily,
		DefaultToughness: cfg.DefaultToughness,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return withCORS(s.router)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(traceRequests)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/units", s.handleListUnits).Methods(http.MethodGet)
	api.HandleFunc("/units", s.handleCreateUnit).Methods(http.MethodPost)
	api.HandleFunc("/units/{id}", s.handleGetUnit).Methods(http.MethodGet)
	api.HandleFunc("/units/{id}/group", s.handleSetUnitGroup).Methods(http.MethodPut)
	api.HandleFunc("/groups/{key}", s.handlePutGroup).Methods(http.MethodPut)
	api.HandleFunc("/encounters", s.handleCreateEncounter).Methods(http.MethodPost)
	api.HandleFunc("/encounters/{id}", s.handleGetEncounter).Methods(http.MethodGet)
	api.HandleFunc("/sim/shoot", s.handleSimShoot).Methods(http.MethodPost)
	api.HandleFunc("/stats/today", s.handleStatsToday).Methods(http.MethodGet)
	return r
}

// encounter returns the live state machine for id, loading it on first use.
// Concurrent first loads of the same id share one store read.
func (s *Server) encounter(ctx context.Context, id string) (*combat.Encounter, error) {
	s.mu.Lock()
	e, ok := s.encounters[id]
	s.mu.Unlock()
	if ok {
		return e, nil
	}
	// the load is shared, so one caller going away must not fail the rest
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.loading.Do(id, func() (any, error) {
		if _, err := s.repo.LoadEncounter(shared, id); err != nil {
			return nil, fmt.Errorf("encounter %s: %w", id, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.encounters[id]; ok {
			return e, nil
		}
		e := combat.New(id, s.repo, s.repo, s.dice, s.hub)
		s.encounters[id] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*combat.Encounter), nil
}

// statusRecorder captures the response code for logs and spans.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name = tpl
			}
		}
		ctx, span := telemetry.Tracer("server").Start(r.Context(), r.Method+" "+name)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		// websocket upgrades need the raw writer
		if name == "/ws" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		logging.For("http").WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    name,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
