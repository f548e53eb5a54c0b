package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strings"
	"time"

	app "github.com/coreflux/rtcfgd/internal/app"
	"github.com/coreflux/rtcfgd/internal/app/metrics"
	"github.com/coreflux/rtcfgd/internal/app/system"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the admin+subscriber HTTP service from an already-wired
// Application, its storage-backend type label, and an optional Postgres
// handle for audit persistence.
func NewService(application *app.Application, addr, storeType string, log *logger.Logger, db *sql.DB) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	var auditSink auditSink
	if path := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); path != "" {
		if sink, err := newFileAuditSink(path); err == nil {
			auditSink = sink
			log.Infof("audit log persisting to %s", path)
		} else {
			log.Warnf("audit log file not configured: %v", err)
		}
	} else if db != nil {
		auditSink = newPostgresAuditSink(db)
	}
	audit := newAuditLog(300, auditSink)
	info := NewProcessInfoProvider()
	handler := NewHandler(application.Backend, application.Registry, application.PushEngine, storeType, info, application.OpenClientAuthToken, audit, log)
	// Order matters: audit sits inside auth so it records the outcome with
	// the user/role auth attached to the request context, CORS short-circuits
	// preflight OPTIONS, metrics wraps the final handler so every status code
	// is observed.
	handler = wrapWithAudit(handler, audit)
	handler = wrapWithAuth(handler, application.AdminTokens, application.Backend.Users(), log)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)
	return &Service{
		addr:    addr,
		handler: handler,
		log:     log,
	}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithCORS allows cross-origin requests from the dashboard (localhost:8081)
// and short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
