package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/pushengine"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/store/localfile"
	"github.com/coreflux/rtcfgd/internal/app/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestConnectHandlerPullReceivesChanged(t *testing.T) {
	backend, err := localfile.New(t.TempDir(), nil)
	require.NoError(t, err)
	doc := project.New()
	doc.Default["greeting"] = project.Entry{Key: "greeting", Value: "hello"}
	require.NoError(t, backend.Write(context.Background(), "demo", doc, false))

	reg := registry.New(10)
	engine := pushengine.New(pushengine.BackendReader{Backend: backend}, reg, nil)
	handler := newConnectHandler(engine, reg, backend, false, nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	pull := wire.PullFrame{ConfigName: "demo", Env: "default"}
	payload, err := wire.Encode(pull)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame wire.PushFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, wire.TypeChanged, frame.MessageType)
	require.Equal(t, "hello", frame.Data["greeting"])

	require.Eventually(t, func() bool { return reg.Count("demo") == 1 }, time.Second, 10*time.Millisecond)
}

func TestConnectHandlerRejectsUnauthorisedWithoutToken(t *testing.T) {
	backend, err := localfile.New(t.TempDir(), nil)
	require.NoError(t, err)
	reg := registry.New(10)
	engine := pushengine.New(pushengine.BackendReader{Backend: backend}, reg, nil)
	handler := newConnectHandler(engine, reg, backend, true, nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestConnectHandlerRespectsMaxConnection(t *testing.T) {
	backend, err := localfile.New(t.TempDir(), nil)
	require.NoError(t, err)
	doc := project.New()
	require.NoError(t, backend.Write(context.Background(), "demo", doc, false))

	reg := registry.New(1)
	engine := pushengine.New(pushengine.BackendReader{Backend: backend}, reg, nil)
	handler := newConnectHandler(engine, reg, backend, false, nil)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	pull := wire.PullFrame{ConfigName: "demo", Env: "default"}
	payload, err := wire.Encode(pull)
	require.NoError(t, err)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, payload))
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = first.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Count("demo") == 1 }, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, payload))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := second.ReadMessage()
	require.NoError(t, err)

	var errFrame wire.ErrorFrame
	require.NoError(t, json.Unmarshal(raw, &errFrame))
	require.Equal(t, 400, errFrame.Code)
	require.Equal(t, "Number of connection is already the maximum 1.", errFrame.Message)
}
