package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const MaxWindowSize = 20

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Locking    LockingConfig    `json:"locking" yaml:"locking"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int            `json:"workers" yaml:"workers"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	// WindowSize is the number of trailing request events the extractor reads.
	WindowSize     int           `json:"window_size" yaml:"window_size"`
	EvaluateEvery  int           `json:"evaluate_every" yaml:"evaluate_every"`
	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout"`
	ExpirySweep    time.Duration `json:"expiry_sweep" yaml:"expiry_sweep"`
	// DedupeWindow is how long a feed delivery id (Kafka offset, file
	// offset) is remembered. Events without one are never deduplicated.
	DedupeWindow   time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew   time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew  time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	Rules          RulesConfig   `json:"rules" yaml:"rules"`
	Fusion         FusionConfig  `json:"fusion" yaml:"fusion"`
}

// RulesConfig holds the rule engine thresholds. Rates are requests per
// second, intervals are seconds.
type RulesConfig struct {
	CriticalRate          float64 `json:"critical_rate" yaml:"critical_rate"`
	CriticalRatePoints    int     `json:"critical_rate_points" yaml:"critical_rate_points"`
	HighRate              float64 `json:"high_rate" yaml:"high_rate"`
	HighRatePoints        int     `json:"high_rate_points" yaml:"high_rate_points"`
	BotInterval           float64 `json:"bot_interval" yaml:"bot_interval"`
	BotIntervalPoints     int     `json:"bot_interval_points" yaml:"bot_interval_points"`
	ShortInterval         float64 `json:"short_interval" yaml:"short_interval"`
	ShortIntervalPoints   int     `json:"short_interval_points" yaml:"short_interval_points"`
	RapidFireInterval     float64 `json:"rapid_fire_interval" yaml:"rapid_fire_interval"`
	RapidFireRequests     int     `json:"rapid_fire_requests" yaml:"rapid_fire_requests"`
	RapidFirePoints       int     `json:"rapid_fire_points" yaml:"rapid_fire_points"`
	FailedLogins          int     `json:"failed_logins" yaml:"failed_logins"`
	FailedLoginsPoints    int     `json:"failed_logins_points" yaml:"failed_logins_points"`
	ExcessiveVolume       int     `json:"excessive_volume" yaml:"excessive_volume"`
	ExcessiveVolumePoints int     `json:"excessive_volume_points" yaml:"excessive_volume_points"`
	AttackVolume          int     `json:"attack_volume" yaml:"attack_volume"`
	AttackVolumePoints    int     `json:"attack_volume_points" yaml:"attack_volume_points"`
	BurstRateSentinel     float64 `json:"burst_rate_sentinel" yaml:"burst_rate_sentinel"`
}

type FusionConfig struct {
	RuleBlock        int     `json:"rule_block" yaml:"rule_block"`
	MLBlock          float64 `json:"ml_block" yaml:"ml_block"`
	CorroboratedML   float64 `json:"corroborated_ml" yaml:"corroborated_ml"`
	CorroboratedRule int     `json:"corroborated_rule" yaml:"corroborated_rule"`
	ConfirmedRule    int     `json:"confirmed_rule" yaml:"confirmed_rule"`
	ConfirmedML      float64 `json:"confirmed_ml" yaml:"confirmed_ml"`
	WarnRule         int     `json:"warn_rule" yaml:"warn_rule"`
	WarnML           float64 `json:"warn_ml" yaml:"warn_ml"`
}

type ClassifierConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Endpoint    string        `json:"endpoint" yaml:"endpoint"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MinRequests int           `json:"min_requests" yaml:"min_requests"`
	Breaker     BreakerConfig `json:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `json:"max_requests" yaml:"max_requests"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	MinRequests  uint32        `json:"min_requests" yaml:"min_requests"`
	FailureRatio float64       `json:"failure_ratio" yaml:"failure_ratio"`
}

type LockingConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	RedisAddr     string        `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `json:"redis_password" yaml:"redis_password"`
	RedisDB       int           `json:"redis_db" yaml:"redis_db"`
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	WaitTimeout   time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	DSN           string        `json:"dsn" yaml:"dsn"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AuditConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		CriticalRate:          10,
		CriticalRatePoints:    50,
		HighRate:              5,
		HighRatePoints:        35,
		BotInterval:           0.1,
		BotIntervalPoints:     45,
		ShortInterval:         0.3,
		ShortIntervalPoints:   30,
		RapidFireInterval:     0.5,
		RapidFireRequests:     20,
		RapidFirePoints:       25,
		FailedLogins:          3,
		FailedLoginsPoints:    40,
		ExcessiveVolume:       50,
		ExcessiveVolumePoints: 20,
		AttackVolume:          100,
		AttackVolumePoints:    30,
		BurstRateSentinel:     999,
	}
}

func DefaultFusion() FusionConfig {
	return FusionConfig{
		RuleBlock:        70,
		MLBlock:          0.85,
		CorroboratedML:   0.70,
		CorroboratedRule: 40,
		ConfirmedRule:    50,
		ConfirmedML:      0.50,
		WarnRule:         40,
		WarnML:           0.60,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       8,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			WindowSize:     10,
			EvaluateEvery:  5,
			SessionTimeout: 30 * time.Minute,
			ExpirySweep:    30 * time.Second,
			DedupeWindow:   10 * time.Minute,
			MaxClockSkew:   0,
			MaxFutureSkew:  5 * time.Second,
			Rules:          DefaultRules(),
			Fusion:         DefaultFusion(),
		},
		Classifier: ClassifierConfig{
			Enabled:     false,
			Timeout:     250 * time.Millisecond,
			MinRequests: 10,
			Breaker: BreakerConfig{
				MaxRequests:  3,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  10,
				FailureRatio: 0.6,
			},
		},
		Locking: LockingConfig{
			Driver:      "local",
			TTL:         5 * time.Second,
			WaitTimeout: 3 * time.Second,
		},
		API: APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{
			Driver:        "sqlite",
			DSN:           "file:sessionguard.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			RetryAttempts: 3,
			RetryBackoff:  50 * time.Millisecond,
		},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Audit:   AuditConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Detection.WindowSize <= 0 {
		cfg.Detection.WindowSize = 10
	}
	if cfg.Detection.EvaluateEvery <= 0 {
		cfg.Detection.EvaluateEvery = 5
	}
	if cfg.Detection.SessionTimeout <= 0 {
		cfg.Detection.SessionTimeout = 30 * time.Minute
	}
	if cfg.Detection.ExpirySweep <= 0 {
		cfg.Detection.ExpirySweep = 30 * time.Second
	}
	if cfg.Detection.Rules.BurstRateSentinel <= 0 {
		cfg.Detection.Rules.BurstRateSentinel = 999
	}
	if cfg.Classifier.Timeout <= 0 {
		cfg.Classifier.Timeout = 250 * time.Millisecond
	}
	if cfg.Classifier.MinRequests <= 0 {
		cfg.Classifier.MinRequests = 10
	}
	if cfg.Locking.Driver == "" {
		cfg.Locking.Driver = "local"
	}
	if cfg.Locking.TTL <= 0 {
		cfg.Locking.TTL = 5 * time.Second
	}
	if cfg.Locking.WaitTimeout <= 0 {
		cfg.Locking.WaitTimeout = 3 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.RetryAttempts <= 0 {
		cfg.Storage.RetryAttempts = 3
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Audit.StoreLimit <= 0 {
		cfg.Audit.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Detection.WindowSize < 2 || cfg.Detection.WindowSize > MaxWindowSize {
		return fmt.Errorf("detection.window_size must be between 2 and %d", MaxWindowSize)
	}
	if cfg.Classifier.Enabled && cfg.Classifier.Endpoint == "" {
		return errors.New("classifier.endpoint required when classifier.enabled is true")
	}
	if cfg.Locking.Driver == "redis" && cfg.Locking.RedisAddr == "" {
		return errors.New("locking.redis_addr required when locking.driver is redis")
	}
	if err := ValidateRules(cfg.Detection.Rules); err != nil {
		return err
	}
	return ValidateFusion(cfg.Detection.Fusion)
}

// ValidateRules checks that paired tiers stay ordered, otherwise the
// higher tier could never fire.
func ValidateRules(r RulesConfig) error {
	if r.HighRate <= 0 || r.CriticalRate <= r.HighRate {
		return errors.New("detection.rules: need 0 < high_rate < critical_rate")
	}
	if r.BotInterval <= 0 || r.ShortInterval <= r.BotInterval {
		return errors.New("detection.rules: need 0 < bot_interval < short_interval")
	}
	if r.ExcessiveVolume <= 0 || r.AttackVolume <= r.ExcessiveVolume {
		return errors.New("detection.rules: need 0 < excessive_volume < attack_volume")
	}
	if r.FailedLogins <= 0 {
		return errors.New("detection.rules.failed_logins must be > 0")
	}
	points := []int{
		r.CriticalRatePoints, r.HighRatePoints, r.BotIntervalPoints, r.ShortIntervalPoints,
		r.RapidFirePoints, r.FailedLoginsPoints, r.ExcessiveVolumePoints, r.AttackVolumePoints,
	}
	for _, p := range points {
		if p < 0 {
			return errors.New("detection.rules: points must be >= 0")
		}
	}
	return nil
}

func ValidateFusion(f FusionConfig) error {
	for _, v := range []float64{f.MLBlock, f.CorroboratedML, f.ConfirmedML, f.WarnML} {
		if v < 0 || v > 1 {
			return fmt.Errorf("detection.fusion: ml threshold %v outside [0,1]", v)
		}
	}
	if f.RuleBlock <= 0 || f.WarnRule <= 0 {
		return errors.New("detection.fusion: rule thresholds must be > 0")
	}
	if f.WarnRule > f.RuleBlock {
		return errors.New("detection.fusion: warn_rule must not exceed rule_block")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
