package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/models"
)

type server struct {
	switches map[string]controller.Switch
	logger   *zap.Logger
}

func newServer(logger *zap.Logger, switches ...controller.Switch) *server {
	s := &server{switches: make(map[string]controller.Switch, len(switches)), logger: logger}
	for _, sw := range switches {
		s.switches[sw.Name()] = sw
	}
	return s
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/switches", s.list).Methods(http.MethodGet)
	r.HandleFunc("/switch/{name}", s.controlElement).Methods(http.MethodGet, http.MethodPost)
	return r
}

func (s *server) list(w http.ResponseWriter, _ *http.Request) {
	resp := make(map[string]models.SwitchCommand, len(s.switches))
	for name, sw := range s.switches {
		resp[name] = models.SwitchCommand{ElementOn: sw.IsOn()}
	}
	reply(w, http.StatusOK, resp)
}

func (s *server) controlElement(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	sw, ok := s.switches[name]
	if !ok {
		reply(w, http.StatusNotFound, &models.SwitchCommand{Errors: []string{"unknown switch " + name}})
		return
	}

	resp := new(models.SwitchCommand)
	if r.Method == http.MethodPost {
		command := new(models.SwitchCommand)
		if err := json.NewDecoder(r.Body).Decode(command); err != nil {
			s.logger.Warn("bad switch command", zap.String("switch", name), zap.Error(err))
			resp.Errors = append(resp.Errors, err.Error())
		} else {
			s.logger.Info("turning switch", zap.String("switch", name), zap.String("state", controller.StateString(command.ElementOn)))
			if err := sw.Set(r.Context(), command.ElementOn); err != nil {
				resp.Errors = append(resp.Errors, err.Error())
			}
		}
	}

	resp.ElementOn = sw.IsOn()
	reply(w, http.StatusOK, resp)
}

func reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
