package www

import (
	"encoding/json"
	"net/http"
	"strconv"

	"scribe/config"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *Handlers) apiStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Snapshot())
}

func (h *Handlers) apiListJobs(w http.ResponseWriter, r *http.Request) {
	db := h.engine.DB()
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "journal unavailable")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := db.ListJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, jobs)
}

// apiUpdateCredentials applies a partial credential change. Absent fields
// are left alone. User names are persisted to the config file, passwords
// only live in memory.
func (h *Handlers) apiUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MQTTUser     *string `json:"mqtt_user"`
		MQTTPassword *string `json:"mqtt_password"`
		WifiSSID     *string `json:"wifi_ssid"`
		WifiPassword *string `json:"wifi_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u := config.Update()
	if req.MQTTUser != nil {
		u = u.MQTTUser(*req.MQTTUser)
	}
	if req.MQTTPassword != nil {
		u = u.MQTTPassword(*req.MQTTPassword)
	}
	if req.WifiSSID != nil {
		u = u.WifiSSID(*req.WifiSSID)
	}
	if req.WifiPassword != nil {
		u = u.WifiPassword(*req.WifiPassword)
	}
	if u.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	h.engine.Credentials().Apply(u)
	u.SyncTo(h.engine.AppConfig())
	if path := h.engine.ConfigPath(); path != "" {
		if err := h.engine.AppConfig().Save(path); err != nil {
			h.log.Error().Err(err).Str("path", path).Msg("save config")
			writeError(w, http.StatusInternalServerError, "credentials applied but not saved")
			return
		}
	}
	h.log.Info().Bool("mqtt_user", req.MQTTUser != nil).Bool("mqtt_password", req.MQTTPassword != nil).
		Bool("wifi_ssid", req.WifiSSID != nil).Bool("wifi_password", req.WifiPassword != nil).
		Msg("credentials updated")
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiChangePassword(w http.ResponseWriter, r *http.Request) {
	username, ok := h.sessions.getUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validatePassword(req.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	db := h.engine.DB()
	user, err := db.GetAdminUser(username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "user not found")
		return
	}
	if !checkPassword(req.OldPassword, user.PasswordHash) {
		writeError(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := db.UpdateAdminPassword(username, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
