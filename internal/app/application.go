package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	core "github.com/coreflux/rtcfgd/internal/app/core/service"
	"github.com/coreflux/rtcfgd/internal/app/pushengine"
	"github.com/coreflux/rtcfgd/internal/app/registry"
	"github.com/coreflux/rtcfgd/internal/app/store"
	"github.com/coreflux/rtcfgd/internal/app/store/localfile"
	"github.com/coreflux/rtcfgd/internal/app/store/mongostore"
	"github.com/coreflux/rtcfgd/internal/app/store/pgstore"
	"github.com/coreflux/rtcfgd/internal/app/store/redisstore"
	"github.com/coreflux/rtcfgd/internal/app/system"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

// Store type identifiers, matching STORE_TYPE's recognised values
// (SPEC_FULL.md §6).
const (
	StoreTypeJSONFile = "json_file"
	StoreTypeRedis    = "redis"
	StoreTypeMongoDB  = "mongodb"
	StoreTypePostgres = "postgres"
)

// RuntimeConfig captures the environment-dependent wiring previously sourced
// directly from OS variables: which storage backend to use and its
// connection details, admission control, and opaque-token auth.
type RuntimeConfig struct {
	StoreType            string
	ConfigStoreDirectory string
	RedisURL             string
	MongoDBURL           string
	DatabaseURL          string
	MaxConnection        int
	NotifyChannel        string
	OpenClientAuthToken  bool
	AdminTokens          []string
}

// Option customises the application runtime.
type Option func(*builderConfig)

// Environment exposes a simple lookup mechanism which callers can implement
// to inject custom environment sources (for example when testing).
type Environment interface {
	Lookup(key string) string
}

type builderConfig struct {
	httpClient     *http.Client
	environment    Environment
	runtime        RuntimeConfig
	runtimeDefined bool
}

type resolvedBuilder struct {
	httpClient *http.Client
	runtime    runtimeSettings
}

type runtimeSettings struct {
	storeType            string
	configStoreDirectory string
	redisURL             string
	mongoDBURL           string
	databaseURL          string
	maxConnection        int
	notifyChannel        string
	openClientAuthToken  bool
	adminTokens          []string
}

// WithRuntimeConfig overrides the runtime configuration used when wiring the
// storage backend. When omitted, environment variables are consulted.
func WithRuntimeConfig(cfg RuntimeConfig) Option {
	return func(b *builderConfig) {
		b.runtime = cfg
		b.runtimeDefined = true
	}
}

// WithHTTPClient injects a shared HTTP client used by outbound calls. A nil
// client falls back to the default 10-second timeout client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *builderConfig) {
		b.httpClient = client
	}
}

// WithEnvironment provides a custom environment lookup used when no explicit
// runtime configuration was supplied. Passing nil retains the default.
func WithEnvironment(env Environment) Option {
	return func(b *builderConfig) {
		if env != nil {
			b.environment = env
		}
	}
}

// Application wires the storage backend, connection registry, and push
// engine together, and owns their lifecycle through a system.Manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Backend    store.Backend
	Registry   *registry.Registry
	PushEngine *pushengine.Engine

	AdminTokens         []string
	OpenClientAuthToken bool

	descriptors []core.Descriptor
}

// New builds a fully initialised application: it selects and connects the
// configured storage backend, wires the connection registry and push
// engine, and subscribes the push engine to the backend's change bus.
func New(ctx context.Context, log *logger.Logger, opts ...Option) (*Application, error) {
	options := resolveBuilderOptions(opts...)
	if log == nil {
		log = logger.NewDefault("app")
	}

	backend, err := newBackend(ctx, options.runtime, log)
	if err != nil {
		return nil, fmt.Errorf("select storage backend: %w", err)
	}

	manager := system.NewManager()
	reg := registry.New(options.runtime.maxConnection)
	reg.SetPublisher(backend.Publish)
	engine := pushengine.New(pushengine.BackendReader{Backend: backend}, reg, log)

	backendSvc := &backendService{backend: backend, engine: engine, registry: reg, log: log}
	if err := manager.Register(backendSvc); err != nil {
		return nil, fmt.Errorf("register storage backend service: %w", err)
	}

	descriptors := manager.Descriptors()

	return &Application{
		manager:             manager,
		log:                 log,
		Backend:             backend,
		Registry:            reg,
		PushEngine:          engine,
		AdminTokens:         options.runtime.adminTokens,
		OpenClientAuthToken: options.runtime.openClientAuthToken,
		descriptors:         descriptors,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for orchestration/CLI
// introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

// backendService adapts the storage backend's Subscribe/Close pair into the
// system.Manager lifecycle: on Start it subscribes the push engine to the
// change bus, on Stop it unsubscribes and closes the backend connection.
type backendService struct {
	backend     store.Backend
	engine      *pushengine.Engine
	registry    *registry.Registry
	log         *logger.Logger
	unsubscribe func()
}

func (s *backendService) Name() string { return "storage-backend" }

func (s *backendService) Start(context.Context) error {
	s.unsubscribe = s.backend.Subscribe(func(ctx context.Context, event store.Event) {
		switch event.Func {
		case "config_changed":
			if len(event.Args) == 0 {
				return
			}
			name, ok := event.Args[0].(string)
			if !ok {
				return
			}
			s.engine.OnConfigChanged(ctx, name)
		case "callback_add_connection":
			if len(event.Args) < 2 || s.registry == nil {
				return
			}
			key, ok := event.Args[0].(string)
			if !ok {
				return
			}
			summary, ok := event.Args[1].(map[string]any)
			if !ok {
				return
			}
			s.registry.MirrorAdd(key, summary)
		case "callback_remove_connection":
			if len(event.Args) == 0 || s.registry == nil {
				return
			}
			key, ok := event.Args[0].(string)
			if !ok {
				return
			}
			s.registry.MirrorRemove(key)
		}
	})
	return nil
}

func (s *backendService) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.backend.Close(ctx)
}

func (s *backendService) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   s.Name(),
		Domain: "configuration",
		Layer:  core.LayerData,
	}
}

func newBackend(ctx context.Context, cfg runtimeSettings, log *logger.Logger) (store.Backend, error) {
	switch cfg.storeType {
	case StoreTypeRedis:
		return redisstore.New(ctx, cfg.redisURL, cfg.notifyChannel, log)
	case StoreTypeMongoDB:
		return mongostore.New(ctx, cfg.mongoDBURL, log)
	case StoreTypePostgres:
		return pgstore.New(ctx, cfg.databaseURL, cfg.notifyChannel, log)
	case StoreTypeJSONFile, "":
		return localfile.New(cfg.configStoreDirectory, log)
	default:
		return nil, fmt.Errorf("unknown STORE_TYPE %q", cfg.storeType)
	}
}

func resolveBuilderOptions(opts ...Option) resolvedBuilder {
	cfg := builderConfig{environment: osEnvironment{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.environment == nil {
		cfg.environment = osEnvironment{}
	}
	if cfg.httpClient == nil {
		cfg.httpClient = defaultHTTPClient()
	}
	runtimeCfg := cfg.runtime
	if !cfg.runtimeDefined {
		runtimeCfg = runtimeConfigFromEnv(cfg.environment)
	}
	return resolvedBuilder{
		httpClient: cfg.httpClient,
		runtime:    normalizeRuntimeConfig(runtimeCfg),
	}
}

func runtimeConfigFromEnv(env Environment) RuntimeConfig {
	if env == nil {
		env = osEnvironment{}
	}
	maxConn, _ := parseInt(env.Lookup("MAX_CONNECTION"))
	return RuntimeConfig{
		StoreType:            env.Lookup("STORE_TYPE"),
		ConfigStoreDirectory: env.Lookup("CONFIG_STORE_DIRECTORY"),
		RedisURL:             env.Lookup("REDIS_URL"),
		MongoDBURL:           env.Lookup("MONGODB_URL"),
		DatabaseURL:          env.Lookup("DATABASE_URL"),
		MaxConnection:        maxConn,
		NotifyChannel:        env.Lookup("NOTIFY_CHANNEL"),
		OpenClientAuthToken:  parseBool(env.Lookup("OPEN_CLIENT_AUTH_TOKEN")),
		AdminTokens:          parseTokens(env.Lookup("ADMIN_API_TOKENS")),
	}
}

func normalizeRuntimeConfig(cfg RuntimeConfig) runtimeSettings {
	storeType := strings.ToLower(strings.TrimSpace(cfg.StoreType))
	if storeType == "" {
		storeType = StoreTypeJSONFile
	}
	dir := strings.TrimSpace(cfg.ConfigStoreDirectory)
	if dir == "" {
		dir = "~/config/data"
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home + dir[1:]
		}
	}
	maxConn := cfg.MaxConnection
	if maxConn <= 0 {
		maxConn = 1024
	}
	channel := strings.TrimSpace(cfg.NotifyChannel)
	if channel == "" {
		channel = "rtc_config"
	}
	return runtimeSettings{
		storeType:            storeType,
		configStoreDirectory: dir,
		redisURL:             strings.TrimSpace(cfg.RedisURL),
		mongoDBURL:           strings.TrimSpace(cfg.MongoDBURL),
		databaseURL:          strings.TrimSpace(cfg.DatabaseURL),
		maxConnection:        maxConn,
		notifyChannel:        channel,
		openClientAuthToken:  cfg.OpenClientAuthToken,
		adminTokens:          cfg.AdminTokens,
	}
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	seen := make(map[string]struct{}, len(parts))
	var result []string
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		result = append(result, token)
	}
	return result
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type osEnvironment struct{}

func (osEnvironment) Lookup(key string) string {
	return os.Getenv(key)
}
