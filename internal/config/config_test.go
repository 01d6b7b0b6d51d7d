package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("energyqa-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Database.SearchPath != "smart_buildings" {
		t.Fatalf("Database.SearchPath = %q", cfg.Database.SearchPath)
	}
	if cfg.Database.MaxOpenConns != 10 {
		t.Fatalf("Database.MaxOpenConns = %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.AcquireTimeout != 5*time.Second {
		t.Fatalf("Database.AcquireTimeout = %s", cfg.Database.AcquireTimeout)
	}
	if cfg.AI.Enabled {
		t.Fatal("AI.Enabled should default to false")
	}
	if cfg.AI.Model != "openai/gpt-4o-mini" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Fatalf("Embedding.Model = %q", cfg.Embedding.Model)
	}
	if cfg.Index.TopK != 2 {
		t.Fatalf("Index.TopK = %d", cfg.Index.TopK)
	}
	if cfg.Schema.Source != "yaml" {
		t.Fatalf("Schema.Source = %q", cfg.Schema.Source)
	}
	if cfg.Pipeline.HistoryWindow != 3 {
		t.Fatalf("Pipeline.HistoryWindow = %d", cfg.Pipeline.HistoryWindow)
	}
	if cfg.Pipeline.StageRetries != 1 {
		t.Fatalf("Pipeline.StageRetries = %d", cfg.Pipeline.StageRetries)
	}
	if !cfg.Pipeline.ExplainGuard {
		t.Fatal("Pipeline.ExplainGuard should default to true")
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"ENERGYQA_PROFILE": "prod"})
	cfg, err := Load("energyqa-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"ENERGYQA_PROFILE":                    "test",
		"ENERGYQA_HTTP_ADDR":                  ":9999",
		"ENERGYQA_HTTP_READ_TIMEOUT":          "2s",
		"ENERGYQA_LOG_LEVEL":                  "error",
		"ENERGYQA_AUTH_REQUIRED":              "true",
		"ENERGYQA_AUTH_STATIC_KEYS":           "k1:ops:chat",
		"ENERGYQA_SERVICE_NAME":               "energyqa-custom",
		"ENERGYQA_DATABASE_DSN":               "duckdb:///data/energy.duckdb",
		"ENERGYQA_DATABASE_SEARCH_PATH":       "analytics",
		"ENERGYQA_DATABASE_MAX_OPEN_CONNS":    "42",
		"ENERGYQA_DATABASE_ACQUIRE_TIMEOUT":   "750ms",
		"ENERGYQA_AI_ENABLED":                 "true",
		"ENERGYQA_AI_BASE_URL":                "https://api.example.com",
		"ENERGYQA_AI_API_KEY":                 "secret-key",
		"ENERGYQA_AI_MODEL":                   "openai/gpt-4.1",
		"ENERGYQA_AI_TEMPERATURE":             "0.3",
		"ENERGYQA_AI_TIMEOUT":                 "21s",
		"ENERGYQA_EMBEDDING_API_KEY":          "embed-key",
		"ENERGYQA_EMBEDDING_DIMENSIONS":       "256",
		"ENERGYQA_AI_REQUESTS_PER_SECOND":     "2.5",
		"ENERGYQA_EMBEDDING_CACHE_TTL":        "1m",
		"ENERGYQA_INDEX_DIR":                  "/var/lib/energyqa/index",
		"ENERGYQA_INDEX_TOP_K":                "4",
		"ENERGYQA_INDEX_COLUMN_SOURCES":       "smart_buildings.building.name,smart_buildings.building.type",
		"ENERGYQA_INDEX_EXAMPLES_FILE":        "examples.yaml",
		"ENERGYQA_INDEX_REMOTE_ENABLED":       "true",
		"ENERGYQA_INDEX_REMOTE_NAME":          "energy-prod",
		"ENERGYQA_INDEX_REFRESH_INTERVAL":     "5m",
		"ENERGYQA_OBJECTSTORE_BUCKET":         "energyqa-prod",
		"ENERGYQA_SCHEMA_SOURCE":              "introspect",
		"ENERGYQA_PIPELINE_HISTORY_WINDOW":    "2",
		"ENERGYQA_PIPELINE_STAGE_TIMEOUT":     "12s",
		"ENERGYQA_PIPELINE_STAGE_RETRIES":     "0",
		"ENERGYQA_PIPELINE_RELEVANCE_ENABLED": "true",
	})
	cfg, err := Load("energyqa-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "energyqa-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:ops:chat" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Database.DSN != "duckdb:///data/energy.duckdb" {
		t.Fatalf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Database.SearchPath != "analytics" {
		t.Fatalf("Database.SearchPath = %q", cfg.Database.SearchPath)
	}
	if cfg.Database.MaxOpenConns != 42 {
		t.Fatalf("Database.MaxOpenConns = %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.AcquireTimeout != 750*time.Millisecond {
		t.Fatalf("Database.AcquireTimeout = %s", cfg.Database.AcquireTimeout)
	}
	if !cfg.AI.Enabled || cfg.AI.APIKey != "secret-key" || cfg.AI.Model != "openai/gpt-4.1" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.AI.RequestsPerSecond != 2.5 || cfg.Embedding.CacheTTL != time.Minute {
		t.Fatalf("throttle/cache = %v/%s", cfg.AI.RequestsPerSecond, cfg.Embedding.CacheTTL)
	}
	if cfg.Embedding.Dimensions != 256 {
		t.Fatalf("Embedding.Dimensions = %d", cfg.Embedding.Dimensions)
	}
	if cfg.Index.Dir != "/var/lib/energyqa/index" || cfg.Index.TopK != 4 {
		t.Fatalf("Index = %+v", cfg.Index)
	}
	if !cfg.Index.RemoteEnabled || cfg.Index.RemoteName != "energy-prod" || cfg.Index.RefreshInterval != 5*time.Minute {
		t.Fatalf("Index remote = %+v", cfg.Index)
	}
	if cfg.ObjectStore.Bucket != "energyqa-prod" {
		t.Fatalf("ObjectStore.Bucket = %q", cfg.ObjectStore.Bucket)
	}
	if cfg.Schema.Source != "introspect" {
		t.Fatalf("Schema.Source = %q", cfg.Schema.Source)
	}
	if cfg.Pipeline.HistoryWindow != 2 || cfg.Pipeline.StageTimeout != 12*time.Second {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.StageRetries != 0 {
		t.Fatalf("Pipeline.StageRetries = %d", cfg.Pipeline.StageRetries)
	}
	if !cfg.Pipeline.RelevanceEnabled {
		t.Fatal("Pipeline.RelevanceEnabled = false, want true")
	}
	if err := cfg.RequireAI(); err != nil {
		t.Fatalf("RequireAI() error = %v", err)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"ENERGYQA_PROFILE": "oops"},
		{"ENERGYQA_HTTP_READ_TIMEOUT": "NaN"},
		{"ENERGYQA_DATABASE_MAX_OPEN_CONNS": "oops"},
		{"ENERGYQA_AI_TEMPERATURE": "bad"},
		{"ENERGYQA_AUTH_REQUIRED": "not-bool"},
		{"ENERGYQA_LOG_LEVEL": "verbose"},
		{"ENERGYQA_SCHEMA_SOURCE": "xml"},
		{"ENERGYQA_INDEX_TOP_K": "0"},
		{"ENERGYQA_PIPELINE_HISTORY_WINDOW": "-1"},
		{"ENERGYQA_PIPELINE_STAGE_RETRIES": "-2"},
		{"ENERGYQA_AI_REQUESTS_PER_SECOND": "-1"},
		{"ENERGYQA_EMBEDDING_CACHE_TTL": "soon"},
		{"ENERGYQA_INDEX_REFRESH_INTERVAL": "-1s"},
	}
	for _, env := range tests {
		_, err := Load("energyqa-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestRequireAIReportsMissingCredentials(t *testing.T) {
	cfg, err := Load("energyqa-api", mapLookup(map[string]string{"ENERGYQA_AI_ENABLED": "true"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.RequireAI(); err == nil {
		t.Fatal("expected error for missing API key")
	}
	cfg.AI.APIKey = "k"
	if err := cfg.RequireAI(); err == nil {
		t.Fatal("expected error for missing embedding API key")
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
