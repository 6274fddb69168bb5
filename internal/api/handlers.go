package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
	"openiotzen-gateway/internal/registry"
	"openiotzen-gateway/internal/storage"
)

const defaultRecentLimit = 50

// LatestReader serves the last telemetry seen for a device.
type LatestReader interface {
	Latest(ctx context.Context, deviceID string) (map[string]interface{}, error)
}

type APIHandler struct {
	manager  *protocol.Manager
	registry *registry.Registry
	auth     *auth.AuthManager
	recent   *storage.MemoryStore
	latest   LatestReader
	metrics  http.Handler
	log      logrus.FieldLogger
}

// Deps lists what the REST surface reads from. Latest may be nil.
type Deps struct {
	Manager  *protocol.Manager
	Registry *registry.Registry
	Auth     *auth.AuthManager
	Recent   *storage.MemoryStore
	Latest   LatestReader
	Metrics  http.Handler
	Logger   logrus.FieldLogger
}

func NewAPIHandler(d Deps) *APIHandler {
	return &APIHandler{
		manager:  d.Manager,
		registry: d.Registry,
		auth:     d.Auth,
		recent:   d.Recent,
		latest:   d.Latest,
		metrics:  d.Metrics,
		log:      d.Logger.WithField("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	adapters := make([]string, 0, len(h.manager.Adapters()))
	for _, a := range h.manager.Adapters() {
		adapters = append(adapters, string(a.Protocol()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"active_connections": h.registry.GetActiveConnectionsCount(),
		"adapters":           adapters,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges operator credentials for a dashboard token.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	ok, role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if !ok {
		h.log.Warnf("Login failed for %q: %v", req.Username, err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.auth.IssueUserToken(data.Identity{UserID: req.Username, Role: role})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "Bearer"})
}

type deviceTokenRequest struct {
	DeviceID string `json:"device_id"`
	ModelID  string `json:"model_id"`
	UserID   string `json:"user_id"`
}

// IssueDeviceToken provisions a long-lived device credential.
func (h *APIHandler) IssueDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := h.auth.IssueDeviceToken(data.Identity{DeviceID: req.DeviceID, ModelID: req.ModelID, UserID: req.UserID})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (h *APIHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Status:  data.ConnectionStatus(q.Get("status")),
		UserID:  q.Get("user_id"),
		ModelID: q.Get("model_id"),
	}
	if f.Status != "" && f.Status != data.StatusOnline && f.Status != data.StatusOffline {
		writeError(w, http.StatusBadRequest, "status must be online or offline")
		return
	}
	writeJSON(w, http.StatusOK, h.registry.GetConnections(f))
}

func (h *APIHandler) CountConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active": h.registry.GetActiveConnectionsCount()})
}

func (h *APIHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.registry.GetConnectionInfo(chi.URLParam(r, "deviceID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *APIHandler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := h.manager.DeviceStatus(chi.URLParam(r, "deviceID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *APIHandler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ModelStatus(chi.URLParam(r, "modelID")))
}

func (h *APIHandler) LatestTelemetry(w http.ResponseWriter, r *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusNotImplemented, "no telemetry cache configured")
		return
	}
	rec, err := h.latest.Latest(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.log.Errorf("Reading latest telemetry: %v", err)
		writeError(w, http.StatusBadGateway, "cache unavailable")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no telemetry for device")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func decodeCommand(r *http.Request) (map[string]interface{}, error) {
	var cmd map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, errors.New("empty command")
	}
	return cmd, nil
}

// SendCommand pushes a command to a connected device.
func (h *APIHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	cmd, err := decodeCommand(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "command must be a non-empty JSON object")
		return
	}
	log := h.operatorLog(r, deviceID)
	if err := h.manager.SendToDevice(r.Context(), deviceID, cmd); err != nil {
		status, msg := commandStatus(err)
		log.Warnf("Command rejected: %v", err)
		writeError(w, status, msg)
		return
	}
	log.Info("Command sent")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "device_id": deviceID})
}

// QueueCommand leaves a command for a polling device.
func (h *APIHandler) QueueCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	cmd, err := decodeCommand(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "command must be a non-empty JSON object")
		return
	}
	log := h.operatorLog(r, deviceID)
	if err := h.manager.QueueCommand(deviceID, cmd); err != nil {
		status, msg := commandStatus(err)
		log.Warnf("Command not queued: %v", err)
		writeError(w, status, msg)
		return
	}
	log.Info("Command queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "device_id": deviceID})
}

func (h *APIHandler) operatorLog(r *http.Request, deviceID string) logrus.FieldLogger {
	op, _ := auth.IdentityFromContext(r.Context())
	return h.log.WithFields(logrus.Fields{"operator": op.UserID, "device_id": deviceID})
}

// commandStatus maps a routing failure to an HTTP status.
func commandStatus(err error) (int, string) {
	var re *protocol.RoutingError
	var ae *protocol.AdapterError
	switch {
	case errors.As(err, &re) && re.Protocol == "":
		return http.StatusNotFound, re.Error()
	case errors.As(err, &re):
		return http.StatusConflict, re.Error()
	case errors.Is(err, protocol.ErrNotConnected):
		return http.StatusConflict, err.Error()
	case errors.As(err, &ae):
		return http.StatusBadGateway, ae.Error()
	default:
		return http.StatusInternalServerError, "command failed"
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultRecentLimit
	}
	return n
}

func (h *APIHandler) RecentTelemetry(w http.ResponseWriter, r *http.Request) {
	recs := h.recent.RecentTelemetry(limitParam(r))
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Normalized())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recent.RecentAlerts(limitParam(r)))
}
