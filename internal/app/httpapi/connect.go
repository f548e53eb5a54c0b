package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coreflux/rtcfgd/internal/app/domain/project"
	"github.com/coreflux/rtcfgd/internal/app/pushengine"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/resolver"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/wire"
	"github.com/coreflux/rtcfgd/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connectHandler serves the /connect duplex channel: one goroutine per
// session reading pull frames and replying or being pushed to by the
// push engine, per SPEC_FULL.md §4.F/§5.
type connectHandler struct {
	engine              *pushengine.Engine
	registry            *registry.Registry
	users               TokenLookup
	openClientAuthToken bool
	log                 *logger.Logger
}

func newConnectHandler(engine *pushengine.Engine, reg *registry.Registry, backend store.Backend, openClientAuthToken bool, log *logger.Logger) *connectHandler {
	return &connectHandler{
		engine:              engine,
		registry:            reg,
		users:               backend.Users(),
		openClientAuthToken: openClientAuthToken,
		log:                 log,
	}
}

func (h *connectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username := ""
	if h.openClientAuthToken {
		token := extractToken(r)
		if token == "" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		user, ok, err := h.users.GetByToken(r.Context(), token)
		if err != nil || !ok {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		username = user.Username
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("connect: upgrade failed")
		}
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(ctx context.Context, frame wire.PushFrame) error {
		payload, err := wire.Encode(frame)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	sendError := func(err error) error {
		code, message := 400, err.Error()
		if pe, ok := project.As(err); ok {
			code = pe.Status
		}
		payload, encErr := wire.Encode(wire.ErrorFrame{Code: code, Message: message})
		if encErr != nil {
			return encErr
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	sessionKey := uuid.NewString()
	attached := false
	defer func() {
		if attached {
			h.registry.Detach(sessionKey)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pull, err := wire.Decode(raw)
		if err != nil {
			_ = sendError(err)
			continue
		}
		env := strings.TrimSpace(pull.Env)
		if env == "" {
			env = "default"
		}

		session := registry.Session{
			Key:        sessionKey,
			ConfigName: pull.ConfigName,
			Env:        env,
			HashCode:   pull.HashCode,
			HostName:   pull.Context["host_name"],
			ClientPID:  pull.Context["pid"],
			RemoteAddr: r.RemoteAddr,
			Username:   username,
		}
		if !attached {
			if err := h.registry.Attach(session, send); err != nil {
				_ = sendError(err)
				return
			}
			attached = true
		}

		client := &resolver.ClientContext{Extra: pull.Context}
		frame, err := h.engine.OnPull(r.Context(), session, client)
		if err != nil {
			_ = sendError(err)
			continue
		}
		if err := send(r.Context(), frame); err != nil {
			return
		}
		h.registry.Touch(sessionKey, frame.HashCode)
	}
}
