package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultWeComBaseURL  = "https://qyapi.weixin.qq.com/cgi-bin"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultChatModel     = "gpt-4o-mini"
	DefaultWhisperModel  = "whisper-1"
	DefaultTTSURL        = "wss://tts-api.xfyun.cn/v2/tts"
	DefaultASRURL        = "wss://iat-api.xfyun.cn/v2/iat"
	DefaultVoiceName     = "xiaoyan"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "wecomkf"
	DefaultPGSSLMode     = "disable"
	DefaultSyncPageSize  = 1000
	DefaultSyncMaxPages  = 100
	DefaultMediaDir      = "media"
	DefaultKnowledgePath = "knowledge/knowledge.json"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	WeCom     WeComConfig     `toml:"wecom"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Xunfei    XunfeiConfig    `toml:"xunfei"`
	Speech    SpeechConfig    `toml:"speech"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Sync      SyncConfig      `toml:"sync"`
	Media     MediaConfig     `toml:"media"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
	AdminKey     string `toml:"admin_key"`
}

// WeComConfig carries the customer-service app credentials. Token and
// EncodingAESKey come from the app's callback configuration page.
type WeComConfig struct {
	CorpID         string `toml:"corpid"`
	Secret         string `toml:"secret"`
	Token          string `toml:"token"`
	EncodingAESKey string `toml:"encoding_aes_key"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type OpenAIConfig struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	ChatModel       string `toml:"chat_model"`
	TranscribeModel string `toml:"transcribe_model"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

type XunfeiConfig struct {
	AppID          string `toml:"app_id"`
	APIKey         string `toml:"api_key"`
	APISecret      string `toml:"api_secret"`
	VoiceName      string `toml:"voice_name"`
	TTSURL         string `toml:"tts_url"`
	ASRURL         string `toml:"asr_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SpeechConfig selects the primary speech-to-text provider. The other provider
// acts as the fallback when the primary fails.
type SpeechConfig struct {
	Provider string `toml:"provider"` // openai | xunfei
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type SyncConfig struct {
	PageSize    int `toml:"page_size"`
	PageDelayMS int `toml:"page_delay_ms"`
	MaxPages    int `toml:"max_pages"`
}

func (c SyncConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMS) * time.Millisecond
}

type MediaConfig struct {
	Dir           string `toml:"dir"`
	MaxFiles      int    `toml:"max_files"`
	RetentionDays int    `toml:"retention_days"`
	CleanupCron   string `toml:"cleanup_cron"`
	ThumbPath     string `toml:"thumb_path"`
}

type KnowledgeConfig struct {
	Path string `toml:"path"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: "24h",
		},
		WeCom: WeComConfig{
			BaseURL:        DefaultWeComBaseURL,
			TimeoutSeconds: 15,
		},
		OpenAI: OpenAIConfig{
			BaseURL:         DefaultOpenAIBaseURL,
			ChatModel:       DefaultChatModel,
			TranscribeModel: DefaultWhisperModel,
			TimeoutSeconds:  60,
		},
		Xunfei: XunfeiConfig{
			VoiceName:      DefaultVoiceName,
			TTSURL:         DefaultTTSURL,
			ASRURL:         DefaultASRURL,
			TimeoutSeconds: 30,
		},
		Speech: SpeechConfig{
			Provider: "xunfei",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Sync: SyncConfig{
			PageSize:    DefaultSyncPageSize,
			PageDelayMS: 200,
			MaxPages:    DefaultSyncMaxPages,
		},
		Media: MediaConfig{
			Dir:           DefaultMediaDir,
			MaxFiles:      200,
			RetentionDays: 3,
			CleanupCron:   "0 3 * * *",
		},
		Knowledge: KnowledgeConfig{
			Path: DefaultKnowledgePath,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects configurations that cannot serve callbacks at all. Vendor
// credentials are checked lazily by the components that use them so that a
// text-only deployment does not need xunfei keys.
func (c Config) Validate() error {
	if c.WeCom.CorpID == "" {
		return fmt.Errorf("wecom.corpid is required")
	}
	if c.WeCom.Secret == "" {
		return fmt.Errorf("wecom.secret is required")
	}
	if c.WeCom.Token == "" {
		return fmt.Errorf("wecom.token is required")
	}
	if len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom.encoding_aes_key must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	switch c.Speech.Provider {
	case "openai", "xunfei":
	default:
		return fmt.Errorf("speech.provider must be openai or xunfei, got %q", c.Speech.Provider)
	}
	if _, err := time.ParseDuration(c.Auth.JWTExpiresIn); err != nil {
		return fmt.Errorf("auth.jwt_expires_in: %w", err)
	}
	return nil
}
