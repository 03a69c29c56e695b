package www

import (
	"errors"
	"net/http"
	"time"

	"scribe/printer"
)

func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.renderTemplate(w, "index.html", map[string]interface{}{
		"DeviceID": h.engine.DeviceID(),
		"MaxBody":  h.maxBody,
	})
}

// handleSubmit enqueues the form's message. The request waits while the
// queue is full; the response does not depend on what happens to the job.
func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warn().Int64("limit", tooLarge.Limit).Str("remote", r.RemoteAddr).Msg("message too large")
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	message := r.PostFormValue("message")
	h.log.Info().Str("message", message).Str("remote", r.RemoteAddr).Msg("received message")

	job, err := h.engine.Queue().Submit(r.Context(), printer.SourceWeb, message)
	if err != nil {
		h.log.Warn().Err(err).Msg("message not queued")
	} else {
		h.log.Debug().Str("job", job.ID.String()).Msg("message queued")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

func (h *Handlers) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if username, ok := h.sessions.getUser(r); ok && username != "" {
		http.Redirect(w, r, "/admin", http.StatusSeeOther)
		return
	}
	data := map[string]interface{}{}
	if db := h.engine.DB(); db != nil {
		if exists, err := db.AdminUserExists(); err == nil && !exists {
			data["Setup"] = true
		}
	}
	h.renderTemplate(w, "login.html", data)
}

// handleLogin checks the credentials. While no admin exists, the first
// login creates one.
func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	db := h.engine.DB()
	if db == nil {
		http.Error(w, "journal unavailable", http.StatusServiceUnavailable)
		return
	}

	exists, err := db.AdminUserExists()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		h.bootstrapAdmin(w, r, username, password)
		return
	}

	user, err := db.GetAdminUser(username)
	if err != nil || !checkPassword(password, user.PasswordHash) {
		h.log.Warn().Str("user", username).Str("remote", r.RemoteAddr).Msg("login failed")
		h.renderTemplate(w, "login.html", map[string]interface{}{"Error": "Invalid username or password"})
		return
	}
	h.login(w, r, username)
}

func (h *Handlers) bootstrapAdmin(w http.ResponseWriter, r *http.Request, username, password string) {
	if username == "" {
		h.renderTemplate(w, "login.html", map[string]interface{}{"Error": "Choose a username and password", "Setup": true})
		return
	}
	if err := validatePassword(password); err != nil {
		h.renderTemplate(w, "login.html", map[string]interface{}{"Error": "Choose a longer password: " + err.Error(), "Setup": true})
		return
	}
	hash, err := hashPassword(password)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	created, err := h.engine.DB().CreateFirstAdmin(username, hash)
	if err != nil {
		http.Error(w, "failed to create admin user", http.StatusInternalServerError)
		return
	}
	if !created {
		h.renderTemplate(w, "login.html", map[string]interface{}{"Error": "Invalid username or password"})
		return
	}
	h.log.Info().Str("user", username).Msg("admin user created")
	h.login(w, r, username)
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request, username string) {
	if err := h.sessions.setUser(w, r, username); err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	if err := h.engine.DB().RecordAdminLogin(username, time.Now()); err != nil {
		h.log.Warn().Err(err).Str("user", username).Msg("record login")
	}
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handlers) handleAdmin(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Status":   h.engine.Snapshot(),
		"MQTTUser": h.engine.Credentials().MQTTUser(),
		"WifiSSID": h.engine.Credentials().WifiSSID(),
	}
	if db := h.engine.DB(); db != nil {
		jobs, err := db.ListJobs(50)
		if err != nil {
			h.log.Error().Err(err).Msg("list jobs")
		}
		data["Jobs"] = jobs
	}
	h.renderTemplate(w, "admin.html", data)
}
