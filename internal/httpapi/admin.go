package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voxgate/internal/eventlog"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/registry"
	"github.com/ent0n29/voxgate/internal/session"
)

const defaultDisconnectReason = "disconnected by administrator"

type deviceListResponse struct {
	Devices     []registry.DeviceInfo `json:"devices"`
	Total       int                   `json:"total"`
	OnlineCount int                   `json:"online_count"`
}

type deviceResponse struct {
	registry.DeviceInfo
	Sessions []*session.Session `json:"sessions"`
}

type disconnectRequest struct {
	Reason string `json:"reason"`
}

type disconnectResponse struct {
	DeviceID      string          `json:"device_id"`
	ClosedSockets int             `json:"closed_sockets"`
	Status        registry.Status `json:"status"`
}

type broadcastRequest struct {
	Message         string `json:"message"`
	Command         string `json:"command,omitempty"`
	ExcludeDeviceID string `json:"exclude_device_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "running",
		"online_devices": s.deps.Registry.OnlineCount(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.deps.Registry.Devices()
	online := 0
	for _, d := range devices {
		if d.Status == registry.StatusOnline {
			online++
		}
	}
	if devices == nil {
		devices = []registry.DeviceInfo{}
	}
	respondJSON(w, http.StatusOK, deviceListResponse{Devices: devices, Total: len(devices), OnlineCount: online})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.deps.Registry.Device(id)
	if errors.Is(err, registry.ErrNotFound) {
		respondError(w, http.StatusNotFound, "device_not_found", fmt.Sprintf("device %s not found", id))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	resp := deviceResponse{DeviceInfo: info, Sessions: []*session.Session{}}
	if s.deps.Sessions != nil {
		if live := s.deps.Sessions.ForDevice(id); live != nil {
			resp.Sessions = live
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req disconnectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultDisconnectReason
	}

	if !s.deps.Registry.IsOnline(id) {
		respondError(w, http.StatusNotFound, "device_not_online", fmt.Sprintf("device %s is not online", id))
		return
	}
	closed, err := s.deps.Registry.Close(id, protocol.CloseNormal, reason)
	if errors.Is(err, registry.ErrNotFound) {
		// Went offline between the check and the close.
		respondError(w, http.StatusNotFound, "device_not_online", fmt.Sprintf("device %s is not online", id))
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.log.Info("device disconnected by admin", "device_id", id, "sockets", closed, "reason", reason)
	respondJSON(w, http.StatusOK, disconnectResponse{
		DeviceID:      id,
		ClosedSockets: closed,
		Status:        s.deps.Registry.Status(id),
	})
}

func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	events := []eventlog.Record{}
	if s.deps.Events != nil {
		got, err := s.deps.Events.Recent(r.Context(), id, limit)
		if err != nil {
			s.log.Error("load device events failed", "device_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "event_store_error", err.Error())
			return
		}
		if got != nil {
			events = got
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"events":    events,
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	report := s.deps.Registry.Broadcast(protocol.System{
		Type:    protocol.TypeSystem,
		Command: req.Command,
		Message: req.Message,
	}, req.ExcludeDeviceID)

	if m := s.deps.Metrics; m != nil {
		m.Broadcasts.WithLabelValues("delivered").Add(float64(report.Delivered))
		m.Broadcasts.WithLabelValues("failed").Add(float64(len(report.Failed)))
	}
	if report.Failed == nil {
		report.Failed = []registry.SendFailure{}
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handlePerfTurns(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stages == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Stages.Snapshot())
}
