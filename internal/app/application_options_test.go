package app

import (
	"net/http"
	"testing"
	"time"
)

type fakeEnv map[string]string

func (f fakeEnv) Lookup(key string) string {
	return f[key]
}

func TestResolveBuilderOptions_FromEnvironment(t *testing.T) {
	env := fakeEnv{
		"STORE_TYPE":             "redis",
		"CONFIG_STORE_DIRECTORY": " /var/lib/rtcfgd ",
		"REDIS_URL":              "redis://localhost:6379/0",
		"MAX_CONNECTION":         "2048",
		"NOTIFY_CHANNEL":         "rtc_config_test",
		"OPEN_CLIENT_AUTH_TOKEN": "true",
		"ADMIN_API_TOKENS":       "tok-a, tok-b ,tok-a",
	}
	resolved := resolveBuilderOptions(WithEnvironment(env))
	if resolved.runtime.storeType != "redis" {
		t.Fatalf("expected store type 'redis', got %q", resolved.runtime.storeType)
	}
	if resolved.runtime.configStoreDirectory != "/var/lib/rtcfgd" {
		t.Fatalf("config store directory not trimmed: %q", resolved.runtime.configStoreDirectory)
	}
	if resolved.runtime.redisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %q", resolved.runtime.redisURL)
	}
	if resolved.runtime.maxConnection != 2048 {
		t.Fatalf("max connection not captured, got %d", resolved.runtime.maxConnection)
	}
	if resolved.runtime.notifyChannel != "rtc_config_test" {
		t.Fatalf("notify channel not captured: %q", resolved.runtime.notifyChannel)
	}
	if !resolved.runtime.openClientAuthToken {
		t.Fatalf("open client auth token flag not propagated")
	}
	if len(resolved.runtime.adminTokens) != 2 {
		t.Fatalf("expected deduped admin tokens, got %v", resolved.runtime.adminTokens)
	}
}

func TestResolveBuilderOptions_WithRuntimeConfigOverridesEnv(t *testing.T) {
	env := fakeEnv{"STORE_TYPE": "redis"}
	cfg := RuntimeConfig{StoreType: StoreTypeMongoDB, MaxConnection: 16}
	resolved := resolveBuilderOptions(WithEnvironment(env), WithRuntimeConfig(cfg))
	if resolved.runtime.storeType != StoreTypeMongoDB {
		t.Fatalf("expected override to win, got %q", resolved.runtime.storeType)
	}
	if resolved.runtime.maxConnection != 16 {
		t.Fatalf("expected max connection from runtime config, got %d", resolved.runtime.maxConnection)
	}
}

func TestResolveBuilderOptions_Defaults(t *testing.T) {
	resolved := resolveBuilderOptions()
	if resolved.runtime.storeType != StoreTypeJSONFile {
		t.Fatalf("expected default store type %q, got %q", StoreTypeJSONFile, resolved.runtime.storeType)
	}
	if resolved.runtime.maxConnection != 1024 {
		t.Fatalf("expected default max connection 1024, got %d", resolved.runtime.maxConnection)
	}
	if resolved.runtime.notifyChannel != "rtc_config" {
		t.Fatalf("expected default notify channel 'rtc_config', got %q", resolved.runtime.notifyChannel)
	}
}

func TestResolveBuilderOptions_CustomHTTPClient(t *testing.T) {
	client := &http.Client{Timeout: time.Second}
	resolved := resolveBuilderOptions(WithHTTPClient(client))
	if resolved.httpClient != client {
		t.Fatalf("custom http client not applied")
	}
}
