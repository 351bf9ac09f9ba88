package control

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
)

const maxBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a classified error onto an HTTP status
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrUnknownDestination),
		stderrors.Is(err, errors.ErrUnknownChannel),
		stderrors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrDuplicateID), stderrors.Is(err, errors.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Status())
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	tb := s.studio.Timebase()
	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = tb.Start()
	case "pause":
		tb.Pause()
	case "stop":
		tb.Stop()
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Status())
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.studio.Timebase().SetSpeed(req.Speed); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Status())
}

type loopRequest struct {
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
	Enabled *bool      `json:"enabled,omitempty"`
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if !decode(w, r, &req) {
		return
	}
	tb := s.studio.Timebase()
	if (req.Start == nil) != (req.End == nil) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start and end must be given together"})
		return
	}
	if req.Start != nil {
		if err := tb.SetLoopRange(*req.Start, *req.End); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := tb.EnableLoop(*req.Enabled); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.studio.Status())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.studio.Channels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"channels": channels})
}

type channelRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.studio.SetChannel(r.Context(), req.Channel); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Model().State())
}

type percentilesRequest struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (s *Server) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	var req percentilesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.studio.Model().SetPercentiles(req.Low, req.High); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.studio.Model().State())
}

func (s *Server) handleListDestinations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.studio.Dispatcher().Destinations())
}

func (s *Server) handleAddDestination(w http.ResponseWriter, r *http.Request) {
	var cfg dispatch.DestinationConfig
	if !decode(w, r, &cfg) {
		return
	}
	d := s.studio.Dispatcher()
	if err := d.Add(cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	created, _ := d.Destination(cfg.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.studio.Dispatcher().Destination(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown destination"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	var cfg dispatch.DestinationConfig
	if !decode(w, r, &cfg) {
		return
	}
	id := mux.Vars(r)["id"]
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id in body does not match path"})
		return
	}
	d := s.studio.Dispatcher()
	if err := d.Update(cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	updated, _ := d.Destination(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.studio.Dispatcher().Remove(mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleEnableDestination(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	d := s.studio.Dispatcher()
	if err := d.SetEnabled(id, req.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, _ := d.Destination(id)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	d := s.studio.Dispatcher()
	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = d.Start(s.streamingContext())
	case "stop":
		err = d.Stop(r.Context())
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"streaming": d.Streaming()})
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.studio.Save(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.studio.Load(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
