package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ezviz-cas/cas-bridge/internal/control"
	"github.com/ezviz-cas/cas-bridge/internal/models"
	"github.com/ezviz-cas/cas-bridge/internal/storage"
)

// HandleSetDefence arms or disarms a camera
func (s *RESTServer) HandleSetDefence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enable *int `json:"enable" validate:"required,oneof=0 1"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var requestedBy string
	if claims := claimsFrom(r.Context()); claims != nil {
		requestedBy = claims.Username
	}

	cmd, err := s.service.SetDefence(r.Context(), control.Request{
		Serial:      chi.URLParam(r, "serial"),
		Enable:      *req.Enable,
		Source:      models.SourceAPI,
		RequestedBy: requestedBy,
	})
	if err != nil {
		kind := control.Classify(err)
		body := map[string]interface{}{
			"error": err.Error(),
			"kind":  kind.String(),
		}
		if cmd != nil {
			body["command"] = cmd
		}
		s.respondJSON(w, statusForKind(kind), body)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": cmd.Success,
		"command": cmd,
	})
}

// HandleListDeviceCommands lists the audit log of one camera
func (s *RESTServer) HandleListDeviceCommands(w http.ResponseWriter, r *http.Request) {
	s.listCommands(w, r, storage.CommandFilters{DeviceSerial: chi.URLParam(r, "serial")})
}

// HandleListCommands lists the audit log, optionally filtered by source
// and outcome
func (s *RESTServer) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	var filters storage.CommandFilters

	if src := r.URL.Query().Get("source"); src != "" {
		source := models.CommandSource(src)
		filters.Source = &source
	}
	if v := r.URL.Query().Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid success filter")
			return
		}
		filters.Success = &ok
	}

	s.listCommands(w, r, filters)
}

func (s *RESTServer) listCommands(w http.ResponseWriter, r *http.Request, filters storage.CommandFilters) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "command history is not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	cmds, total, err := s.store.ListDefenceCommands(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if cmds == nil {
		cmds = []*models.DefenceCommand{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"commands": cmds,
		"total":    total,
	})
}

// HandleGetCommand returns one audited command
func (s *RESTServer) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "command history is not configured")
		return
	}

	cmd, err := s.store.GetDefenceCommand(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrInvalidData):
		s.respondError(w, http.StatusBadRequest, "invalid command id")
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "command not found")
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusOK, cmd)
	}
}

func statusForKind(kind control.ErrorKind) int {
	switch kind {
	case control.KindInvalidInput:
		return http.StatusBadRequest
	case control.KindInvalidHost, control.KindProtocol:
		return http.StatusBadGateway
	case control.KindTimeout:
		return http.StatusGatewayTimeout
	case control.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
