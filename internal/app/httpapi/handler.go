package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/metrics"
	"github.com/coreflux/rtcfgd/internal/app/pushengine"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

// buildVersion is overridden at link time via -ldflags "-X ...buildVersion=...".
var buildVersion = "dev"

// handler implements the admin surface: project CRUD, entry CRUD, the
// subscriber listing, and system introspection, grounded on
// rtconfig/handlers.py and manager.py's system_info/client_info.
type handler struct {
	backend   store.Backend
	registry  *registry.Registry
	audit     *auditLog
	log       *logger.Logger
	storeType string
	info      systemInfoProvider
}

// NewHandler builds the admin HTTP mux, including the /connect duplex
// subscriber channel. audit is exposed for Service to wrap with middleware.
func NewHandler(backend store.Backend, reg *registry.Registry, engine *pushengine.Engine, storeType string, info systemInfoProvider, openClientAuthToken bool, audit *auditLog, log *logger.Logger) http.Handler {
	h := &handler{backend: backend, registry: reg, audit: audit, log: log, storeType: storeType, info: info}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/system/version", h.handleVersion)
	mux.HandleFunc("/metrics", metricsHandler)
	mux.HandleFunc("/rtc/api/config/list", h.handleConfigList)
	mux.HandleFunc("/rtc/api/config", h.handleConfig)
	mux.HandleFunc("/rtc/api/config/item", h.handleConfigItem)
	mux.HandleFunc("/rtc/api/client", h.handleClientList)
	mux.HandleFunc("/rtc/api/system/info", h.handleSystemInfo)
	mux.Handle("/connect", newConnectHandler(engine, reg, backend, openClientAuthToken, log))
	return mux
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "rtcfgd", "version": buildVersion})
}

// projectSummary is one row of the paginated config listing.
type projectSummary struct {
	Name         string   `json:"name"`
	Parent       []string `json:"parent"`
	Environments []string `json:"environments"`
	DefaultCount int      `json:"default_count"`
}

func (h *handler) handleConfigList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, _ := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("offset")))
	if offset < 0 {
		offset = 0
	}

	items, err := h.backend.Iter(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	summaries := make([]projectSummary, 0, len(items))
	for _, item := range items {
		envs := make([]string, 0, len(item.Document.Environments))
		for name := range item.Document.Environments {
			envs = append(envs, name)
		}
		summaries = append(summaries, projectSummary{
			Name:         item.Name,
			Parent:       item.Document.Parent,
			Environments: envs,
			DefaultCount: len(item.Document.Default),
		})
	}
	total := len(summaries)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"projects": summaries[offset:end],
	})
}

func (h *handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("config_name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("config_name is required"))
		return
	}
	if !project.ValidName(name) {
		writeError(w, http.StatusForbidden, project.NameError(name))
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := h.backend.Read(r.Context(), name, true)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if env := strings.TrimSpace(r.URL.Query().Get("env")); env != "" {
			set, ok := doc.Env(env)
			if !ok {
				writeDomainError(w, project.EnvError(name, env))
				return
			}
			writeJSON(w, http.StatusOK, set)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case http.MethodPost:
		if _, err := h.backend.Read(r.Context(), name, true); err == nil {
			writeDomainError(w, project.Exists(name))
			return
		}
		doc := project.New()
		if copyFrom := strings.TrimSpace(r.URL.Query().Get("copy_from")); copyFrom != "" {
			src, err := h.backend.Read(r.Context(), copyFrom, true)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			doc = src.Clone()
		}
		if parent := strings.TrimSpace(r.URL.Query().Get("parent")); parent != "" {
			doc.Parent = splitCSV(parent)
		}
		if err := h.backend.Write(r.Context(), name, doc, false); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)

	case http.MethodPut:
		env := strings.TrimSpace(r.URL.Query().Get("env"))
		if env == "" {
			env = project.KeyDefault
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		set := make(project.EntrySet, len(body))
		for key, value := range body {
			set[key] = project.Entry{Key: key, Value: value}
		}
		doc := project.New()
		if env == project.KeyDefault {
			doc.Default = set
		} else {
			doc.SetEnv(env, set)
		}
		if err := h.backend.Write(r.Context(), name, doc, true); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		if err := h.backend.Delete(r.Context(), name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	}
}

type itemBody struct {
	Desc  string `json:"desc"`
	Value any    `json:"value"`
}

func (h *handler) handleConfigItem(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("config_name"))
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	env := strings.TrimSpace(r.URL.Query().Get("env"))
	if env == "" {
		env = project.KeyDefault
	}
	if name == "" || key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("config_name and key are required"))
		return
	}

	doc, err := h.backend.Read(r.Context(), name, true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	set, ok := entrySetFor(doc, env)
	if !ok {
		writeDomainError(w, project.EnvError(name, env))
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, ok := set[key]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("entry %q not found", key))
			return
		}
		writeJSON(w, http.StatusOK, entry)

	case http.MethodPost:
		if _, exists := set[key]; exists {
			writeError(w, http.StatusConflict, fmt.Errorf("entry %q already exists", key))
			return
		}
		var body itemBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry := project.Entry{Key: key, Desc: body.Desc, Value: body.Value}
		set[key] = entry
		setEntrySetFor(doc, env, set)
		if err := h.backend.Write(r.Context(), name, doc, false); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)

	case http.MethodPut:
		var body itemBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		before := set[key]
		after := project.Entry{Key: key, Desc: body.Desc, Value: body.Value}
		set[key] = after
		setEntrySetFor(doc, env, set)
		if !reflect.DeepEqual(before, after) {
			recordHistory(doc, env, key, before, after, userFromCtx(r.Context()))
		}
		if err := h.backend.Write(r.Context(), name, doc, false); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, after)

	case http.MethodDelete:
		delete(set, key)
		setEntrySetFor(doc, env, set)
		if err := h.backend.Write(r.Context(), name, doc, false); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	}
}

func entrySetFor(doc *project.Document, env string) (project.EntrySet, bool) {
	if env == project.KeyDefault {
		return doc.Default, true
	}
	return doc.Env(env)
}

func setEntrySetFor(doc *project.Document, env string, set project.EntrySet) {
	if env == project.KeyDefault {
		doc.Default = set
	} else {
		doc.SetEnv(env, set)
	}
}

func recordHistory(doc *project.Document, env, key string, before, after project.Entry, operator string) {
	if doc.History == nil {
		doc.History = map[string]map[string][]project.HistoryRecord{}
	}
	if doc.History[env] == nil {
		doc.History[env] = map[string][]project.HistoryRecord{}
	}
	doc.History[env][key] = append(doc.History[env][key], project.HistoryRecord{
		Before:   before,
		After:    after,
		Operator: operator,
	})
}

type sessionView struct {
	ConfigName string `json:"config_name"`
	Env        string `json:"env"`
	HostName   string `json:"host_name"`
	RemoteAddr string `json:"remote_addr"`
	Username   string `json:"username"`
	Connected  string `json:"connected"`
}

func (h *handler) handleClientList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("config_name"))
	sessions := h.registry.List(name)
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ConfigName: s.ConfigName,
			Env:        s.Env,
			HostName:   s.HostName,
			RemoteAddr: s.RemoteAddr,
			Username:   s.Username,
			Connected:  s.Connected.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

func (h *handler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	items, err := h.backend.Iter(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	info := map[string]any{
		"store_type":       h.storeType,
		"max_connection":   h.registry.MaxConnections(),
		"project_count":    len(items),
		"connection_count": h.registry.Count(""),
	}
	if h.info != nil {
		for k, v := range h.info.SystemInfo() {
			info[k] = v
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// systemInfoProvider supplies process-level metrics (CPU/memory) without
// coupling this package directly to gopsutil.
type systemInfoProvider interface {
	SystemInfo() map[string]any
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func userFromCtx(ctx context.Context) string {
	if u := ctx.Value(ctxUserKey); u != nil {
		if str, ok := u.(string); ok && str != "" {
			return str
		}
	}
	return "system"
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the admin API's uniform error envelope (SPEC_FULL.md §7
// Propagation). code is a fixed generic-failure marker, not a domain status;
// the HTTP status line carries the actual class.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"code": 1,
		"msg":  err.Error(),
		"data": map[string]any{},
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	if pe, ok := project.As(err); ok {
		writeError(w, pe.Status, pe)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}
