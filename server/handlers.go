package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/settings"
)

// Handlers bundles the admin surface's dependencies.
type Handlers struct {
	DB       *sql.DB
	Store    *settings.Store
	Registry *command.Registry

	// ConnState reports the chat connection state for /status and
	// /readyz. Nil means no chat connection is configured.
	ConnState func() string

	// QueueDepth reports outbound lines waiting for the send bucket.
	// Optional.
	QueueDepth func() int

	// Invalidate drops cached external lookups for a class after
	// configuration changes. Optional.
	Invalidate func(class string)

	started time.Time
}

// NewHandlers wires the admin surface.
func NewHandlers(db *sql.DB, store *settings.Store, registry *command.Registry) *Handlers {
	return &Handlers{DB: db, Store: store, Registry: registry, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz is the liveness probe: process up and database
// reachable.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz is the readiness probe: settings loaded and chat
// connected (when configured).
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() bool
	}
	checks := []check{
		{"settings", func() bool { return h.Store != nil && h.Store.Version() > 0 }},
	}
	if h.DB != nil {
		checks = append(checks, check{"database", func() bool { return h.DB.PingContext(r.Context()) == nil }})
	}
	if h.ConnState != nil {
		checks = append(checks, check{"chat", func() bool { return h.ConnState() == "connected" }})
	}
	for _, c := range checks {
		if !c.fn() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready", "failed_check": c.name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports runtime state for dashboards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	commands, aliases := h.Registry.Size()
	state := "disconnected"
	if h.ConnState != nil {
		state = h.ConnState()
	}
	queueDepth := 0
	if h.QueueDepth != nil {
		queueDepth = h.QueueDepth()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_state": state,
		"settings_version": h.Store.Version(),
		"commands":         commands,
		"aliases":          aliases,
		"send_queue_depth": queueDepth,
		"uptime_seconds":   int64(time.Since(h.started).Seconds()),
	})
}

// commandPayload is the wire form of a command for the admin API.
type commandPayload struct {
	Channel  string `json:"channel"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Template string `json:"template,omitempty"`
	Source   string `json:"source,omitempty"`
	Level    string `json:"level,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Error    string `json:"error,omitempty"`
	Count    int64  `json:"count,omitempty"`
}

// HandleCommands lists, upserts, and deletes commands.
func (h *Handlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			writeError(w, http.StatusBadRequest, "channel query parameter required")
			return
		}
		out := []commandPayload{}
		for _, c := range h.Registry.List(channel) {
			enabled := c.Enabled
			out = append(out, commandPayload{
				Channel: c.Channel, Name: c.Name, Kind: c.Kind,
				Template: c.Template, Source: c.Source,
				Level: c.Level.String(), Enabled: &enabled,
				Error: c.Error, Count: c.Count,
			})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var p commandPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		level := command.LevelEveryone
		if p.Level != "" {
			var err error
			if level, err = command.ParseLevel(p.Level); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		cmd := command.Command{
			Channel: strings.ToLower(p.Channel), Name: p.Name, Kind: p.Kind,
			Template: p.Template, Source: p.Source, Level: level, Enabled: enabled,
		}
		if err := h.Registry.SetCommand(r.Context(), cmd); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, command.ErrBadName) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		channel := r.URL.Query().Get("channel")
		name := r.URL.Query().Get("name")
		if err := h.Registry.DeleteCommand(r.Context(), channel, name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, command.ErrBadName) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleCommandDisable toggles a command, including built-ins.
func (h *Handlers) HandleCommandDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var p struct {
		Channel  string `json:"channel"`
		Name     string `json:"name"`
		Disabled bool   `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.Registry.SetDisabled(r.Context(), strings.ToLower(p.Channel), p.Name, p.Disabled); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, command.ErrBadName) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAliases lists, registers, and deletes aliases.
func (h *Handlers) HandleAliases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			writeError(w, http.StatusBadRequest, "channel query parameter required")
			return
		}
		out := []map[string]string{}
		for _, a := range h.Registry.Aliases(channel) {
			out = append(out, map[string]string{"name": a.Name, "target": a.Target})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var p struct {
			Channel string `json:"channel"`
			Name    string `json:"name"`
			Target  string `json:"target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		a := command.Alias{Channel: strings.ToLower(p.Channel), Name: p.Name, Target: p.Target}
		if err := h.Registry.RegisterAlias(r.Context(), a); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, command.ErrAliasCycle):
				status = http.StatusConflict
			case errors.Is(err, command.ErrBadName):
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		channel := r.URL.Query().Get("channel")
		name := r.URL.Query().Get("name")
		if err := h.Registry.DeleteAlias(r.Context(), channel, name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, command.ErrBadName) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

const secretPrefix = "secrets/"

// HandleConfig reads and writes runtime settings. Secret values are
// write-only through this surface.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		out := map[string]json.RawMessage{}
		h.Store.Current().Range(func(key string, v settings.Value) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			if strings.HasPrefix(key, secretPrefix) {
				out[key] = json.RawMessage(`"<redacted>"`)
				return true
			}
			out[key] = v.Raw()
			return true
		})
		writeJSON(w, http.StatusOK, out)

	case http.MethodPut, http.MethodPost:
		var p struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		v, err := settings.RawValue(p.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		version, err := h.Store.Set(r.Context(), p.Key, v)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})

	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if key == "" {
			writeError(w, http.StatusBadRequest, "key query parameter required")
			return
		}
		version, err := h.Store.Delete(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
