package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/types"
)

// Defaults returns the policy used when no configuration file exists or a
// key is missing from it
func Defaults(ncpus int) *types.Config {
	maxDocks := ncpus - 2
	if maxDocks < 0 {
		maxDocks = 0
	}
	return &types.Config{
		Image:           "busybox",
		Command:         []string{"/bin/sleep", "60"},
		MaxDocks:        maxDocks,
		CPUsPerDock:     1,
		MaxTTL:          12 * time.Hour,
		MainSleep:       30 * time.Second,
		UpdateConfig:    60 * time.Second,
		ImageExpiration: 12 * time.Hour,
		GraceKill:       120 * time.Second,
		GraceSpawn:      60 * time.Second,
		MaxMemBytes:     2000000000,
		MaxSwapBytes:    0,
	}
}

// rawConfig mirrors the flat YAML document. Pointer fields distinguish
// absent keys from zero values; unknown keys are ignored by the decoder.
type rawConfig struct {
	Image            *string  `yaml:"image"`
	Command          any      `yaml:"command"`
	MaxDocks         any      `yaml:"max_docks"`
	CPUsPerDock      *float64 `yaml:"cpus_per_dock"`
	MaxTTLS          *int     `yaml:"max_ttl_s"`
	MainSleepS       *int     `yaml:"main_sleep_s"`
	UpdateConfigS    *int     `yaml:"update_config_s"`
	ImageExpirationS *int     `yaml:"image_expiration_s"`
	GraceKillS       *int     `yaml:"grace_kill_s"`
	GraceSpawnS      *int     `yaml:"grace_spawn_s"`
	MaxMemBytes      *int64   `yaml:"max_mem_bytes"`
	MaxSwapBytes     *int64   `yaml:"max_swap_bytes"`
	Privileged       *bool    `yaml:"privileged"`
	Binds            []string `yaml:"binds"`
	Devices          []string `yaml:"devices"`
	Capabilities     []string `yaml:"capabilities"`
	SecurityOpts     []string `yaml:"security_opts"`
	TelemetryURL     *string  `yaml:"telemetry_url"`
	MetricsListen    *string  `yaml:"metrics_listen"`
}

// Store holds the current policy snapshot and re-reads it on demand. A
// load never aborts: parse failures and invariant violations keep the
// previous snapshot or the previous field value; grace windows longer than
// max_ttl_s are clamped to it.
type Store struct {
	path   string
	ncpus  int
	logger zerolog.Logger

	mu  sync.RWMutex
	cur *types.Config
}

// NewStore builds a store over path, seeded with the defaults for ncpus
func NewStore(path string, ncpus int) *Store {
	return &Store{
		path:   path,
		ncpus:  ncpus,
		logger: log.WithComponent("config"),
		cur:    Defaults(ncpus),
	}
}

// Snapshot returns the current immutable policy record
func (s *Store) Snapshot() *types.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Load re-reads the configuration document and atomically replaces the
// snapshot. The returned record is the snapshot now in effect.
func (s *Store) Load() *types.Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Configuration could not be read, using previous one")
		return s.cur
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Configuration could not be parsed, using previous one")
		return s.cur
	}

	next := *s.cur
	next.Binds = append([]string(nil), s.cur.Binds...)
	next.Devices = append([]string(nil), s.cur.Devices...)
	next.Capabilities = append([]string(nil), s.cur.Capabilities...)
	next.SecurityOpts = append([]string(nil), s.cur.SecurityOpts...)
	s.apply(&next, &raw)
	s.cur = &next
	s.logger.Debug().Interface("config", next).Msg("Configuration loaded")
	return s.cur
}

func (s *Store) apply(cfg *types.Config, raw *rawConfig) {
	if raw.Image != nil {
		cfg.Image = *raw.Image
	}
	s.applyCommand(cfg, raw.Command)
	s.applyMaxDocks(cfg, raw.MaxDocks)
	if raw.CPUsPerDock != nil {
		if *raw.CPUsPerDock > 0 {
			cfg.CPUsPerDock = *raw.CPUsPerDock
		} else {
			s.logger.Warn().Float64("cpus_per_dock", *raw.CPUsPerDock).Msg("cpus_per_dock must be positive, keeping previous value")
		}
	}
	applySeconds(s.logger, "max_ttl_s", raw.MaxTTLS, &cfg.MaxTTL)
	applySeconds(s.logger, "main_sleep_s", raw.MainSleepS, &cfg.MainSleep)
	applySeconds(s.logger, "update_config_s", raw.UpdateConfigS, &cfg.UpdateConfig)
	applySeconds(s.logger, "image_expiration_s", raw.ImageExpirationS, &cfg.ImageExpiration)
	applySeconds(s.logger, "grace_kill_s", raw.GraceKillS, &cfg.GraceKill)
	applySeconds(s.logger, "grace_spawn_s", raw.GraceSpawnS, &cfg.GraceSpawn)
	if cfg.GraceKill > cfg.MaxTTL {
		s.logger.Warn().Msg("grace_kill_s exceeds max_ttl_s, clamping")
		cfg.GraceKill = cfg.MaxTTL
	}
	if cfg.GraceSpawn > cfg.MaxTTL {
		s.logger.Warn().Msg("grace_spawn_s exceeds max_ttl_s, clamping")
		cfg.GraceSpawn = cfg.MaxTTL
	}
	if raw.MaxMemBytes != nil {
		cfg.MaxMemBytes = *raw.MaxMemBytes
	}
	if raw.MaxSwapBytes != nil {
		cfg.MaxSwapBytes = *raw.MaxSwapBytes
	}
	if raw.Privileged != nil {
		cfg.Privileged = *raw.Privileged
	}
	if raw.Binds != nil {
		cfg.Binds = raw.Binds
	}
	if raw.Devices != nil {
		cfg.Devices = raw.Devices
	}
	if raw.Capabilities != nil {
		cfg.Capabilities = raw.Capabilities
	}
	if raw.SecurityOpts != nil {
		cfg.SecurityOpts = raw.SecurityOpts
	}
	if raw.TelemetryURL != nil {
		url := *raw.TelemetryURL
		if url != "" && !strings.Contains(url, "#") {
			// The URL must name the database after a '#'
			s.logger.Warn().Str("telemetry_url", url).Msg("Invalid telemetry URL: disabling telemetry")
			url = ""
		}
		cfg.TelemetryURL = url
	}
	if raw.MetricsListen != nil {
		cfg.MetricsListen = *raw.MetricsListen
	}
}

// applyCommand accepts the command either as an argv list or as a string
// tokenised on whitespace
func (s *Store) applyCommand(cfg *types.Config, v any) {
	switch cmd := v.(type) {
	case nil:
	case string:
		cfg.Command = strings.Fields(cmd)
	case []any:
		argv := make([]string, 0, len(cmd))
		for _, tok := range cmd {
			str, ok := tok.(string)
			if !ok {
				s.logger.Warn().Interface("command", cmd).Msg("command list must contain only strings, keeping previous value")
				return
			}
			argv = append(argv, str)
		}
		cfg.Command = argv
	default:
		s.logger.Warn().Interface("command", v).Msg("command must be a string or a list, keeping previous value")
	}
}

// applyMaxDocks accepts max_docks as an integer or as a symbolic
// expression over ncpus, evaluated once at load
func (s *Store) applyMaxDocks(cfg *types.Config, v any) {
	var n int
	switch md := v.(type) {
	case nil:
		return
	case int:
		n = md
	case string:
		evaluated, err := Eval(md, s.ncpus)
		if err != nil {
			s.logger.Warn().Err(err).Str("max_docks", md).Msg("Cannot evaluate max_docks expression, keeping previous value")
			return
		}
		n = evaluated
	default:
		s.logger.Warn().Interface("max_docks", v).Msg("max_docks must be an integer or an expression, keeping previous value")
		return
	}
	if n < 0 {
		s.logger.Warn().Int("max_docks", n).Msg("max_docks must not be negative, keeping previous value")
		return
	}
	cfg.MaxDocks = n
}

func applySeconds(logger zerolog.Logger, key string, v *int, dst *time.Duration) {
	if v == nil {
		return
	}
	if *v <= 0 {
		logger.Warn().Str("key", key).Int("value", *v).Msg("Cadence must be positive, keeping previous value")
		return
	}
	*dst = time.Duration(*v) * time.Second
}
