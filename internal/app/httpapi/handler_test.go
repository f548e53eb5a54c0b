package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/internal/app/pushengine"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/store/localfile"
	"github.com/stretchr/testify/require"
)

type fakeInfoProvider struct{}

func (fakeInfoProvider) SystemInfo() map[string]any {
	return map[string]any{"cpu_percent": 0.0}
}

func newTestHandler(t *testing.T) (http.Handler, store.Backend) {
	t.Helper()
	backend, err := localfile.New(t.TempDir(), nil)
	require.NoError(t, err)
	reg := registry.New(10)
	engine := pushengine.New(pushengine.BackendReader{Backend: backend}, reg, nil)
	return NewHandler(backend, reg, engine, "json_file", fakeInfoProvider{}, false, newAuditLog(10, nil), nil), backend
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, strings.NewReader(string(b)))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandleHealthzAndVersion(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/system/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleConfigCreateReadUpdateDelete(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Creating the same project again is rejected.
	w = doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPut, "/rtc/api/config?config_name=demo", map[string]any{"greeting": "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	defaultSet, ok := doc["default"].(map[string]any)
	require.True(t, ok)
	entry, ok := defaultSet["greeting"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", entry["value"])

	w = doJSON(t, h, http.MethodDelete, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/config?config_name=demo", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleConfigRejectsInvalidName(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name=bad%20name!", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleConfigItemLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name=demo", nil)

	w := doJSON(t, h, http.MethodPost, "/rtc/api/config/item?config_name=demo&key=timeout",
		itemBody{Desc: "request timeout", Value: float64(30)})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate create rejected.
	w = doJSON(t, h, http.MethodPost, "/rtc/api/config/item?config_name=demo&key=timeout",
		itemBody{Value: float64(1)})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/config/item?config_name=demo&key=timeout", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPut, "/rtc/api/config/item?config_name=demo&key=timeout",
		itemBody{Value: float64(60)})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/rtc/api/config/item?config_name=demo&key=timeout", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/config/item?config_name=demo&key=timeout", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleConfigItemUpdateRecordsHistoryOnlyOnChange(t *testing.T) {
	h, backend := newTestHandler(t)
	doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name=demo", nil)
	doJSON(t, h, http.MethodPost, "/rtc/api/config/item?config_name=demo&key=timeout", itemBody{Value: float64(30)})

	w := doJSON(t, h, http.MethodPut, "/rtc/api/config/item?config_name=demo&key=timeout", itemBody{Value: float64(30)})
	require.Equal(t, http.StatusOK, w.Code)

	doc, err := backend.Read(context.Background(), "demo", true)
	require.NoError(t, err)
	require.Empty(t, doc.History["default"]["timeout"])

	w = doJSON(t, h, http.MethodPut, "/rtc/api/config/item?config_name=demo&key=timeout", itemBody{Value: float64(60)})
	require.Equal(t, http.StatusOK, w.Code)

	doc, err = backend.Read(context.Background(), "demo", true)
	require.NoError(t, err)
	require.Len(t, doc.History["default"]["timeout"], 1)
}

func TestHandleConfigListPagination(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		doJSON(t, h, http.MethodPost, "/rtc/api/config?config_name="+name, nil)
	}

	w := doJSON(t, h, http.MethodGet, "/rtc/api/config/list?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Total    int               `json:"total"`
		Projects []projectSummary `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Len(t, resp.Projects, 2)
}

func TestHandleClientListAndSystemInfo(t *testing.T) {
	h, backend := newTestHandler(t)
	_ = backend

	w := doJSON(t, h, http.MethodGet, "/rtc/api/client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Clients []sessionView `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Clients, 0)

	w = doJSON(t, h, http.MethodGet, "/rtc/api/system/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, "json_file", info["store_type"])
	require.Contains(t, info, "cpu_percent")
	require.EqualValues(t, 10, info["max_connection"])
}

func TestHandleConfigMethodNotAllowedOnList(t *testing.T) {
	h, _ := newTestHandler(t)
	w := doJSON(t, h, http.MethodPost, "/rtc/api/config/list", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	h, backend := newTestHandler(t)
	protected := wrapWithAuth(h, []string{"admin-token"}, backend.Users(), nil)

	r := httptest.NewRequest(http.MethodGet, "/rtc/api/config/list", nil)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareAcceptsStaticToken(t *testing.T) {
	h, backend := newTestHandler(t)
	protected := wrapWithAuth(h, []string{"admin-token"}, backend.Users(), nil)

	r := httptest.NewRequest(http.MethodGet, "/rtc/api/config/list", nil)
	r.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareAcceptsUserToken(t *testing.T) {
	h, backend := newTestHandler(t)

	user, err := authuser.NewUser("alice", "s3cret", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, backend.Users().Put(context.Background(), user))

	protected := wrapWithAuth(h, nil, backend.Users(), nil)

	r := httptest.NewRequest(http.MethodGet, "/rtc/api/config/list", nil)
	r.Header.Set("Authorization", "Bearer "+user.Token)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddlewareAllowsPublicPaths(t *testing.T) {
	h, backend := newTestHandler(t)
	protected := wrapWithAuth(h, nil, backend.Users(), nil)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuditMiddlewareRecordsAdminRequests(t *testing.T) {
	h, _ := newTestHandler(t)
	audit := newAuditLog(10, nil)
	audited := wrapWithAudit(h, audit)

	r := httptest.NewRequest(http.MethodGet, "/rtc/api/config/list", nil)
	w := httptest.NewRecorder()
	audited.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	entries := audit.list()
	require.Len(t, entries, 1)
	require.Equal(t, "/rtc/api/config/list", entries[0].Path)
	require.Equal(t, http.StatusOK, entries[0].Status)
}

func TestAuditMiddlewareIgnoresPublicPaths(t *testing.T) {
	h, _ := newTestHandler(t)
	audit := newAuditLog(10, nil)
	audited := wrapWithAudit(h, audit)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	audited.ServeHTTP(w, r)

	require.Len(t, audit.list(), 0)
}

func TestWrapWithCORSHandlesPreflight(t *testing.T) {
	h, _ := newTestHandler(t)
	withCORS := wrapWithCORS(h)

	r := httptest.NewRequest(http.MethodOptions, "/rtc/api/config", nil)
	w := httptest.NewRecorder()
	withCORS.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
