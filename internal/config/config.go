package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
	MemberID string `mapstructure:"member_id"`

	Control  Control  `mapstructure:"control"`
	Pusher   Pusher   `mapstructure:"pusher"`
	Auth     Auth     `mapstructure:"auth"`
	Rooms    Rooms    `mapstructure:"rooms"`
	ICE      ICE      `mapstructure:"ice"`
	Session  Session  `mapstructure:"session"`
	Activity Activity `mapstructure:"activity"`
	Audio    Audio    `mapstructure:"audio"`
}

// Pusher describes the presence relay. Host overrides the cluster endpoint
// for self-hosted, protocol compatible relays.
type Pusher struct {
	Key                 string        `mapstructure:"key"`
	Cluster             string        `mapstructure:"cluster"`
	Host                string        `mapstructure:"host"`
	UseTLS              bool          `mapstructure:"use_tls"`
	PingPeriod          time.Duration `mapstructure:"ping_period"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ClientEventLimit    int           `mapstructure:"client_event_limit"`
	ClientEventInterval time.Duration `mapstructure:"client_event_interval"`
}

// Control guards the local API. Browsers on loopback origins are always
// allowed; AllowedOrigins adds exact origins such as a hosted UI.
type Control struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Secret         string   `mapstructure:"secret"`
}

type Auth struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Rooms struct {
	Backend       string        `mapstructure:"backend"`
	Endpoint      string        `mapstructure:"endpoint"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	UpsertTimeout time.Duration `mapstructure:"upsert_timeout"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type ICE struct {
	Servers []ICEServer `mapstructure:"servers"`
}

type Session struct {
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	LeaderSettle time.Duration `mapstructure:"leader_settle"`
}

type Activity struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   int           `mapstructure:"window"`
}

type Audio struct {
	Source     string `mapstructure:"source"`
	SampleRate int    `mapstructure:"sample_rate"`
	Playback   string `mapstructure:"playback"`
	RecordDir  string `mapstructure:"record_dir"`
}

const (
	RoomsHTTP  = "http"
	RoomsRedis = "redis"
	RoomsNone  = "none"

	AudioSilence = "silence"
	AudioDevice  = "device"

	PlaybackDiscard = "discard"
	PlaybackOgg     = "ogg"
)

// DefaultICEServers are public STUN servers good enough for most NATs.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun.l.google.com:19305"}},
		{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
		{URLs: []string{"stun:stun.freeswitch.org:3478"}},
	}
}

// DefaultSession holds the production timings of the session controller.
func DefaultSession() Session {
	return Session{
		JoinTimeout:  60 * time.Second,
		RetryBackoff: 3 * time.Second,
		MaxRetries:   3,
		LeaderSettle: 200 * time.Millisecond,
	}
}

func setDefaults(v *viper.Viper) {
	s := DefaultSession()

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("listen", "127.0.0.1:7788")
	v.SetDefault("member_id", "")

	v.SetDefault("pusher.key", "")
	v.SetDefault("pusher.cluster", "eu")
	v.SetDefault("pusher.host", "")
	v.SetDefault("pusher.use_tls", true)
	v.SetDefault("pusher.ping_period", "54s")
	v.SetDefault("pusher.write_timeout", "5s")
	v.SetDefault("pusher.client_event_limit", 10)
	v.SetDefault("pusher.client_event_interval", "1s")

	v.SetDefault("auth.endpoint", "http://127.0.0.1:3000/api/pusher-auth")
	v.SetDefault("auth.timeout", "10s")

	v.SetDefault("rooms.backend", RoomsHTTP)
	v.SetDefault("rooms.endpoint", "http://127.0.0.1:3000/api")
	v.SetDefault("rooms.redis_addr", "127.0.0.1:6379")
	v.SetDefault("rooms.redis_password", "")
	v.SetDefault("rooms.redis_db", 0)
	v.SetDefault("rooms.upsert_timeout", "5s")

	v.SetDefault("session.join_timeout", s.JoinTimeout.String())
	v.SetDefault("session.retry_backoff", s.RetryBackoff.String())
	v.SetDefault("session.max_retries", s.MaxRetries)
	v.SetDefault("session.leader_settle", s.LeaderSettle.String())

	v.SetDefault("activity.interval", "50ms")
	v.SetDefault("activity.window", 256)

	v.SetDefault("audio.source", AudioSilence)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.playback", PlaybackDiscard)
	v.SetDefault("audio.record_dir", "recordings")

	v.SetDefault("control.allowed_origins", []string{})
	v.SetDefault("control.secret", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml and MESHVOICE_* overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("MESHVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.ICE.Servers) == 0 {
		cfg.ICE.Servers = DefaultICEServers()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Listen: %s | Rooms: %s | Audio: %s\n", cfg.Mode, cfg.Listen, cfg.Rooms.Backend, cfg.Audio.Source)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Rooms.Backend {
	case RoomsHTTP, RoomsRedis, RoomsNone:
	default:
		return fmt.Errorf("unknown rooms backend %q", c.Rooms.Backend)
	}
	switch c.Audio.Source {
	case AudioSilence, AudioDevice:
	default:
		return fmt.Errorf("unknown audio source %q", c.Audio.Source)
	}
	switch c.Audio.Playback {
	case PlaybackDiscard, PlaybackOgg:
	default:
		return fmt.Errorf("unknown audio playback %q", c.Audio.Playback)
	}
	if c.Audio.Playback == PlaybackOgg && c.Audio.RecordDir == "" {
		return fmt.Errorf("audio.record_dir is required for ogg playback")
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must not be negative")
	}
	if c.Activity.Window <= 0 {
		return fmt.Errorf("activity.window must be positive")
	}
	return nil
}

// PresenceURL is the websocket endpoint of the relay.
func (p Pusher) PresenceURL(version string) string {
	scheme := "ws"
	if p.UseTLS {
		scheme = "wss"
	}
	host := p.Host
	if host == "" {
		host = fmt.Sprintf("ws-%s.pusher.com", p.Cluster)
	}
	return fmt.Sprintf("%s://%s/app/%s?protocol=7&client=meshvoice&version=%s", scheme, host, p.Key, version)
}
