package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hylla/concord/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
)

type ConflictPolicy string

const (
	ConflictPolicyStrict ConflictPolicy = "strict"
	ConflictPolicySoft   ConflictPolicy = "soft"
)

type MergePolicy string

const (
	MergePolicyLaterWins     MergePolicy = "later_wins"
	MergePolicyRequireManual MergePolicy = "require_manual"
)

type Config struct {
	Database    DatabaseConfig        `toml:"database"`
	Logging     LoggingConfig         `toml:"logging"`
	Locks       LocksConfig           `toml:"locks"`
	Versions    VersionsConfig        `toml:"versions"`
	Conflicts   ConflictsConfig       `toml:"conflicts"`
	OpLog       OpLogConfig           `toml:"oplog"`
	Sync        SyncConfig            `toml:"sync"`
	Server      ServerConfig          `toml:"server"`
	Permissions PermissionsConfig     `toml:"permissions"`
	Roles       map[string]RoleConfig `toml:"roles"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig configures runtime log sinks.
type LoggingConfig struct {
	Level   string           `toml:"level"`
	DevFile DevFileLogConfig `toml:"dev_file"`
}

// DevFileLogConfig enables the workspace-local log file used in dev mode.
type DevFileLogConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type LocksConfig struct {
	DefaultLease      string `toml:"default_lease"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	SweepInterval     string `toml:"sweep_interval"`
}

type VersionsConfig struct {
	MaxRecordAttempts int `toml:"max_record_attempts"`
}

type ConflictsConfig struct {
	Policy      ConflictPolicy `toml:"policy"`
	Record      bool           `toml:"record"`
	MergePolicy MergePolicy    `toml:"merge_policy"`
}

type OpLogConfig struct {
	BatchSize      int    `toml:"batch_size"`
	FlushThreshold int    `toml:"flush_threshold"`
	FlushInterval  string `toml:"flush_interval"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// SyncConfig classifies resource types into sync priorities. Unlisted types are low priority.
type SyncConfig struct {
	High          []string `toml:"high"`
	Medium        []string `toml:"medium"`
	BatchInterval string   `toml:"batch_interval"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type PermissionsConfig struct {
	DefaultRole string `toml:"default_role"`
	CacheSize   int    `toml:"cache_size"`
	// WatchConfig reloads [roles] tables when the config file changes while serving.
	WatchConfig bool `toml:"watch_config"`
}

// RoleConfig is one [roles.<name>] table. Permissions maps resource types, or "*", to operation kinds.
type RoleConfig struct {
	ModifyOthers bool                `toml:"modify_others"`
	Permissions  map[string][]string `toml:"permissions"`
}

// Durations holds the parsed duration settings. Zero values select engine defaults.
type Durations struct {
	DefaultLease      time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	LogFlushInterval  time.Duration
	SyncBatchInterval time.Duration
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileLogConfig{
				Enabled: true,
				Dir:     ".concord/log",
			},
		},
		Locks: LocksConfig{
			DefaultLease:      "30s",
			HeartbeatInterval: "10s",
			SweepInterval:     "30s",
		},
		Versions: VersionsConfig{
			MaxRecordAttempts: 5,
		},
		Conflicts: ConflictsConfig{
			Policy:      ConflictPolicyStrict,
			Record:      true,
			MergePolicy: MergePolicyLaterWins,
		},
		OpLog: OpLogConfig{
			BatchSize:      50,
			FlushThreshold: 20,
			FlushInterval:  "2s",
			MaxAttempts:    3,
		},
		Sync: SyncConfig{
			High:          []string{"account", "transaction"},
			Medium:        []string{"budget", "category"},
			BatchInterval: "5s",
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:8080",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
		Permissions: PermissionsConfig{
			DefaultRole: string(domain.RoleMember),
			CacheSize:   256,
			WatchConfig: true,
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	if _, err := c.Durations(); err != nil {
		return err
	}

	if c.Versions.MaxRecordAttempts < 0 {
		return errors.New("versions.max_record_attempts must be >= 0")
	}

	switch c.Conflicts.Policy {
	case ConflictPolicyStrict, ConflictPolicySoft:
	default:
		return fmt.Errorf("invalid conflicts.policy: %q", c.Conflicts.Policy)
	}
	switch c.Conflicts.MergePolicy {
	case MergePolicyLaterWins, MergePolicyRequireManual:
	default:
		return fmt.Errorf("invalid conflicts.merge_policy: %q", c.Conflicts.MergePolicy)
	}

	if c.OpLog.BatchSize < 0 || c.OpLog.FlushThreshold < 0 || c.OpLog.MaxAttempts < 0 {
		return errors.New("oplog sizes must be >= 0")
	}

	seen := map[string]string{}
	for _, group := range []struct {
		name  string
		types []string
	}{{"sync.high", c.Sync.High}, {"sync.medium", c.Sync.Medium}} {
		for i, rt := range group.types {
			rt = domain.NormalizeResourceType(rt)
			if rt == "" {
				return fmt.Errorf("%s[%d] is empty", group.name, i)
			}
			if prev, ok := seen[rt]; ok {
				return fmt.Errorf("%s[%d] %q already listed in %s", group.name, i, rt, prev)
			}
			seen[rt] = group.name
		}
	}

	if strings.TrimSpace(c.Server.HTTPBind) == "" {
		return errors.New("server.http_bind is required")
	}

	if c.Permissions.CacheSize < 0 {
		return errors.New("permissions.cache_size must be >= 0")
	}
	policies, err := c.RolePolicies()
	if err != nil {
		return err
	}
	defaultRole := domain.NormalizeRole(domain.Role(c.Permissions.DefaultRole))
	known := defaultRole.Rank() > 0
	for _, p := range policies {
		known = known || p.Role == defaultRole
	}
	if !known {
		return fmt.Errorf("invalid permissions.default_role: %q", c.Permissions.DefaultRole)
	}

	return nil
}

// Durations parses every duration string. Empty values parse to zero.
func (c Config) Durations() (Durations, error) {
	var (
		out Durations
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"locks.default_lease", c.Locks.DefaultLease, &out.DefaultLease},
		{"locks.heartbeat_interval", c.Locks.HeartbeatInterval, &out.HeartbeatInterval},
		{"locks.sweep_interval", c.Locks.SweepInterval, &out.SweepInterval},
		{"oplog.flush_interval", c.OpLog.FlushInterval, &out.LogFlushInterval},
		{"sync.batch_interval", c.Sync.BatchInterval, &out.SyncBatchInterval},
	}
	for _, f := range fields {
		*f.dst, err = parseDuration(f.name, f.raw)
		if err != nil {
			return Durations{}, err
		}
	}
	if out.DefaultLease > 0 && out.HeartbeatInterval >= out.DefaultLease {
		return Durations{}, errors.New("locks.heartbeat_interval must be shorter than locks.default_lease")
	}
	return out, nil
}

// RolePolicies converts [roles.<name>] tables into normalized policies, sorted by role.
// A config with no role tables returns nil so the built-in table applies.
func (c Config) RolePolicies() ([]domain.RolePolicy, error) {
	if len(c.Roles) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.RolePolicy, 0, len(names))
	seen := make([]domain.Role, 0, len(names))
	for _, name := range names {
		role := c.Roles[name]
		perms := make(map[string][]domain.OperationKind, len(role.Permissions))
		for rt, ops := range role.Permissions {
			kinds := make([]domain.OperationKind, 0, len(ops))
			for _, op := range ops {
				kinds = append(kinds, domain.OperationKind(op))
			}
			perms[rt] = kinds
		}
		policy, err := domain.NewRolePolicy(domain.Role(name), perms, role.ModifyOthers)
		if err != nil {
			return nil, fmt.Errorf("roles.%s: %w", name, err)
		}
		if slices.Contains(seen, policy.Role) {
			return nil, fmt.Errorf("roles.%s is duplicated", name)
		}
		seen = append(seen, policy.Role)
		out = append(out, policy)
	}
	return out, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return d, nil
}
