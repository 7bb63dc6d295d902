package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sapliy/marketpulse/internal/geo"
	"github.com/sapliy/marketpulse/internal/notify"
	"github.com/sapliy/marketpulse/internal/queue"
	"github.com/sapliy/marketpulse/pkg/apikey"
	"github.com/sapliy/marketpulse/pkg/jsonutil"
)

// APIHandler is the HTTP trigger surface for other services and the ops CLI.
type APIHandler struct {
	orchestrator *notify.Orchestrator
	geoEngine    *geo.Engine
	queueEngine  *queue.Engine
}

// apiKeyMiddleware rejects requests whose bearer key does not match the
// configured HMAC hash.
func apiKeyMiddleware(secret, storedHash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" || !apikey.Matches(key, secret, storedHash) {
			jsonutil.WriteErrorJSON(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var payload notify.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Title == "" || payload.Category == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "title and category are required")
		return
	}

	attempts, err := h.orchestrator.Notify(r.Context(), payload)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to process notification")
		return
	}
	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"attempts": attempts,
	})
}

func (h *APIHandler) NotifyBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payloads []notify.Payload `json:"payloads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payloads) == 0 {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "payloads are required")
		return
	}

	if err := h.orchestrator.NotifyBulk(r.Context(), req.Payloads); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to process bulk notification")
		return
	}
	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": len(req.Payloads),
	})
}

func (h *APIHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	prefs, err := h.orchestrator.GetPreferences(r.Context(), userID)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, prefs)
}

func (h *APIHandler) PatchPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var patch notify.PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prefs, err := h.orchestrator.UpdatePreferences(r.Context(), userID, patch)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "failed to update preferences")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, prefs)
}

func (h *APIHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	notifications, err := h.orchestrator.ListInApp(r.Context(), userID, limit)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *APIHandler) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	var fence geo.Geofence
	if err := json.NewDecoder(r.Body).Decode(&fence); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fence.Name == "" {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.geoEngine.CreateGeofence(r.Context(), &fence); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonutil.WriteJSON(w, http.StatusCreated, fence)
}

func (h *APIHandler) DeleteGeofence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.geoEngine.DeactivateGeofence(r.Context(), id); err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to deactivate geofence")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *APIHandler) NearbyAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, "lat and lng are required")
		return
	}

	radiusKm, _ := strconv.ParseFloat(q.Get("radius_km"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	agents, err := h.geoEngine.NearbyAgents(r.Context(), lat, lng, radiusKm, limit)
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "nearby search failed")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

func (h *APIHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queueEngine.Stats(r.Context())
	if err != nil {
		jsonutil.WriteErrorJSON(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, stats)
}
