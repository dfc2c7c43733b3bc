package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Call tunes the call engine of a peer.
type Call struct {
	NegotiationTimeout   time.Duration `mapstructure:"negotiation_timeout"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	QualityInterval      time.Duration `mapstructure:"quality_interval"`
	RenegotiationBackoff time.Duration `mapstructure:"renegotiation_backoff"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
}

type WebRTC struct {
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type Devices struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	Poll        time.Duration `mapstructure:"poll"`
	AudioInput  string        `mapstructure:"audio_input"`
	VideoInput  string        `mapstructure:"video_input"`
	AudioOutput string        `mapstructure:"audio_output"`
}

// Peer is what cmd/peer needs to reach the hub.
type Peer struct {
	Hub         string `mapstructure:"hub"`
	Participant string `mapstructure:"participant"`
	DisplayName string `mapstructure:"display_name"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	RateLimit  RateLimit     `mapstructure:"rate_limit"`
	ICEServers []ICEServer   `mapstructure:"ice_servers"`
	WebRTC     WebRTC        `mapstructure:"webrtc"`
	Call       Call          `mapstructure:"call"`
	Devices    Devices       `mapstructure:"devices"`
	Peer       Peer          `mapstructure:"peer"`
}

// Loader reads one config file, with RTCALL_* environment overrides.
type Loader struct {
	v     *viper.Viper
	file  string
	found bool
}

// FileForEnv names the config file for CONFIG_ENV, dev by default.
func FileForEnv() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func NewLoader(file string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RTCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v, file: file}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit.per_second", 50)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("webrtc.disconnected_timeout", "10s")
	v.SetDefault("webrtc.failed_timeout", "30s")
	v.SetDefault("webrtc.keepalive_interval", "2s")
	v.SetDefault("call.negotiation_timeout", "60s")
	v.SetDefault("call.settle_delay", "500ms")
	v.SetDefault("call.quality_interval", "2s")
	v.SetDefault("call.renegotiation_backoff", "200ms")
	v.SetDefault("call.send_timeout", "5s")
	v.SetDefault("devices.debounce", "300ms")
	v.SetDefault("devices.poll", "2s")
	v.SetDefault("peer.hub", "ws://localhost:8080/api/ws/signal")
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	} else {
		l.found = true
		log.Info().Str("module", "config").Str("file", l.v.ConfigFileUsed()).Msg("loaded config")
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read config whenever the file is written.
// It does nothing unless Load found the file.
func (l *Loader) Watch(onChange func(*Config)) {
	if !l.found {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func Load() (*Config, error) {
	return NewLoader(FileForEnv()).Load()
}
