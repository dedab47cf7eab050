package flow

import (
	"fmt"

	"github.com/dshills/dagflow/flow/emit"
	"github.com/dshills/dagflow/flow/store"
)

// StorageType selects a persistence adapter in Config.
type StorageType string

const (
	// StorageMemory is the process-local in-memory store.
	StorageMemory StorageType = "MEMORY"

	// StorageLocal persists one JSON file per workflow under a directory.
	StorageLocal StorageType = "LOCAL"

	// StorageRemote persists against an HTTP persistence service.
	StorageRemote StorageType = "REMOTE"

	// StorageSQLite persists in a single-file SQLite database.
	StorageSQLite StorageType = "SQLITE"

	// StorageMySQL persists in a MySQL/MariaDB database.
	StorageMySQL StorageType = "MYSQL"
)

// Config assembles an Executor declaratively; it is itself JSON-friendly so
// deployments can keep it in a file.
type Config struct {
	Storage         StorageConfig    `json:"storage"`
	Logging         LoggingConfig    `json:"logging"`
	FailureHandling *FailureHandling `json:"failureHandling,omitempty"`
	Security        SecurityConfig   `json:"security"`
}

// StorageConfig selects and parameterizes the persistence adapter. Only the
// fields for the chosen Type are consulted.
type StorageConfig struct {
	Type StorageType `json:"type"`

	// LOCAL: target directory and optional filename prefix.
	Directory string `json:"directory,omitempty"`
	Prefix    string `json:"prefix,omitempty"`

	// REMOTE: base URL, optional bearer token, extra headers, timeout.
	BaseURL string            `json:"baseUrl,omitempty"`
	APIKey  string            `json:"apiKey,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout Millis            `json:"timeout,omitempty"`

	// SQLITE: database file path (":memory:" for ephemeral).
	Path string `json:"path,omitempty"`

	// MYSQL: data source name. Keep credentials out of source; read the
	// DSN from the environment.
	DSN string `json:"dsn,omitempty"`
}

// LoggingConfig controls the executor's emitter. A custom Handler wins;
// otherwise a non-empty Level installs a LogEmitter to stdout at that
// level, and an empty Level disables logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `json:"level,omitempty"`

	// JSON switches the LogEmitter to JSONL output.
	JSON bool `json:"json,omitempty"`

	// Handler overrides the emitter entirely. Not serialized.
	Handler emit.Emitter `json:"-"`
}

// SecurityConfig carries execution limits.
type SecurityConfig struct {
	// MaxExecutionTime is the global per-node timeout ceiling.
	MaxExecutionTime Millis `json:"maxExecutionTime,omitempty"`
}

// NewFromConfig builds an executor from a Config. Additional options are
// applied after the config, so they can override it.
func NewFromConfig(cfg Config, opts ...Option) (*Executor, error) {
	st, err := buildStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithStore(st),
		WithEmitter(buildEmitter(cfg.Logging)),
		WithMaxExecutionTime(cfg.Security.MaxExecutionTime.Duration()),
	}
	if cfg.FailureHandling != nil {
		base = append(base, WithFailureHandling(*cfg.FailureHandling))
	}
	return NewExecutor(append(base, opts...)...), nil
}

func buildStore(cfg StorageConfig) (store.Store[*WorkflowState], error) {
	switch cfg.Type {
	case StorageMemory, "":
		return store.NewMemoryStore[*WorkflowState](), nil

	case StorageLocal:
		if cfg.Directory == "" {
			return nil, &ValidationError{Message: "storage.directory is required for LOCAL storage"}
		}
		return store.NewFileStore[*WorkflowState](cfg.Directory, cfg.Prefix)

	case StorageRemote:
		if cfg.BaseURL == "" {
			return nil, &ValidationError{Message: "storage.baseUrl is required for REMOTE storage"}
		}
		var httpOpts []store.HTTPOption
		if cfg.APIKey != "" {
			httpOpts = append(httpOpts, store.WithBearerToken(cfg.APIKey))
		}
		for key, value := range cfg.Headers {
			httpOpts = append(httpOpts, store.WithHeader(key, value))
		}
		if cfg.Timeout > 0 {
			httpOpts = append(httpOpts, store.WithTimeout(cfg.Timeout.Duration()))
		}
		return store.NewHTTPStore[*WorkflowState](cfg.BaseURL, httpOpts...)

	case StorageSQLite:
		if cfg.Path == "" {
			return nil, &ValidationError{Message: "storage.path is required for SQLITE storage"}
		}
		return store.NewSQLiteStore[*WorkflowState](cfg.Path)

	case StorageMySQL:
		if cfg.DSN == "" {
			return nil, &ValidationError{Message: "storage.dsn is required for MYSQL storage"}
		}
		return store.NewMySQLStore[*WorkflowState](cfg.DSN)

	default:
		return nil, &ValidationError{Message: fmt.Sprintf("unknown storage type %q", cfg.Type)}
	}
}

func buildEmitter(cfg LoggingConfig) emit.Emitter {
	if cfg.Handler != nil {
		return cfg.Handler
	}
	if cfg.Level == "" {
		return emit.NewNullEmitter()
	}
	return emit.NewLogEmitter(nil, cfg.JSON, emit.ParseLevel(cfg.Level))
}
