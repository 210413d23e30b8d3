// Package api serves the thermostats over HTTP for dashboards and scripts
// that do not speak MQTT.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
	"github.com/alittlebrighter/virtual-thermostat/metrics"
	"github.com/alittlebrighter/virtual-thermostat/models"
)

// Refresher re-runs the control loop after a change, e.g. *hass.Bridge.
type Refresher interface {
	EvaluateAndPublish(ctx context.Context)
}

type entry struct {
	stat    *thermostat.Thermostat
	refresh Refresher
}

type API struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	thermostats map[string]entry
}

// ThermostatView is the JSON shape of a thermostat.
type ThermostatView struct {
	Name         string   `json:"name"`
	FriendlyName string   `json:"friendly_name"`
	Switches     []string `json:"heat_switch"`
	Sensors      []string `json:"temp_sensor"`
	MinTemp      float64  `json:"min_temp"`
	MaxTemp      float64  `json:"max_temp"`
	HighTemp     float64  `json:"high_temp"`
	LowTemp      float64  `json:"low_temp"`
	models.ThermostatState
}

// Update is the body accepted by POST /thermostats/{name}. Absent fields are
// left alone.
type Update struct {
	TargetTemp *float64 `json:"target_temp"`
	HighTemp   *float64 `json:"high_temp"`
	LowTemp    *float64 `json:"low_temp"`
	Mode       *string  `json:"mode"`
}

func New(logger *zap.Logger, m *metrics.Metrics) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{logger: logger, metrics: m, thermostats: make(map[string]entry)}
}

// Add exposes stat. refresh may be nil, in which case the thermostat is only
// evaluated.
func (a *API) Add(stat *thermostat.Thermostat, refresh Refresher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thermostats[stat.Name()] = entry{stat: stat, refresh: refresh}
}

func (a *API) lookup(name string) (entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.thermostats[name]
	return e, ok
}

// Router builds the HTTP handler, CORS included.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/health", a.wrap("/health", a.health)).Methods(http.MethodGet)
	r.Handle("/thermostats", a.wrap("/thermostats", a.list)).Methods(http.MethodGet)
	r.Handle("/thermostats/{name}", a.wrap("/thermostats/{name}", a.get)).Methods(http.MethodGet)
	r.Handle("/thermostats/{name}", a.wrap("/thermostats/{name}", a.update)).Methods(http.MethodPost)
	r.Handle("/thermostats/{name}/events", a.wrap("/thermostats/{name}/events", a.events)).Methods(http.MethodGet)
	r.Handle("/thermostats/{name}/events/last", a.wrap("/thermostats/{name}/events/last", a.lastEvent)).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
}

func (a *API) wrap(route string, h http.HandlerFunc) http.Handler {
	return a.metrics.WrapHandler(route, h)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) list(w http.ResponseWriter, _ *http.Request) {
	a.mu.RLock()
	views := make([]ThermostatView, 0, len(a.thermostats))
	for _, e := range a.thermostats {
		views = append(views, view(e.stat))
	}
	a.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, views)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	e, ok := a.lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "thermostat not found")
		return
	}
	writeJSON(w, http.StatusOK, view(e.stat))
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	e, ok := a.lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "thermostat not found")
		return
	}
	writeJSON(w, http.StatusOK, e.stat.Events())
}

func (a *API) lastEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := a.lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "thermostat not found")
		return
	}
	ev := e.stat.LastEvent()
	if ev == nil {
		writeError(w, http.StatusNotFound, "no evaluation yet")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) update(w http.ResponseWriter, r *http.Request) {
	e, ok := a.lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "thermostat not found")
		return
	}

	var u Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	// reject a bad mode before applying anything
	var mode thermostat.Mode
	if u.Mode != nil {
		m, err := thermostat.ParseMode(*u.Mode)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		mode = m
	}

	temps := []struct {
		v   *float64
		set func(float64) (float64, error)
	}{
		{u.TargetTemp, e.stat.SetTargetTemp},
		{u.HighTemp, e.stat.SetHighTemp},
		{u.LowTemp, e.stat.SetLowTemp},
	}
	for _, temp := range temps {
		if temp.v == nil {
			continue
		}
		if err := thermostat.CheckTemp(*temp.v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	for _, temp := range temps {
		if temp.v == nil {
			continue
		}
		if _, err := temp.set(*temp.v); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if mode != "" {
		if err := e.stat.SetMode(mode); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	a.logger.Info("thermostat updated over http", zap.String("thermostat", e.stat.Name()))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if e.refresh != nil {
		e.refresh.EvaluateAndPublish(ctx)
	} else if _, err := e.stat.Evaluate(ctx); err != nil {
		a.logger.Warn("evaluation finished with errors", zap.String("thermostat", e.stat.Name()), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, view(e.stat))
}

func view(stat *thermostat.Thermostat) ThermostatView {
	cfg := stat.Config()
	state := stat.State()
	return ThermostatView{
		Name:            cfg.Name,
		FriendlyName:    cfg.FriendlyName,
		Switches:        []string(cfg.HeatSwitch),
		Sensors:         stat.Sensors(),
		MinTemp:         cfg.MinTemp,
		MaxTemp:         cfg.MaxTemp,
		HighTemp:        state.HighTemp,
		LowTemp:         state.LowTemp,
		ThermostatState: stat.Snapshot(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve listens on addr until ctx is cancelled.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
