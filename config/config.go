package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DBConfig struct {
	Type   string `yaml:"type" json:"type"` // sqlite or postgres
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"` // development or production
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type WhatsappConfig struct {
	// Simulate skips the real channel entirely; sends return synthetic
	// message ids. Useful for demos and load rehearsal.
	Simulate bool `yaml:"simulate" json:"simulate"`
	// StorePath is the sqlite file holding whatsmeow credential material.
	// Empty means <workdir>/wablast-creds.db.
	StorePath string `yaml:"store_path" json:"store_path"`
}

type BlastConfig struct {
	// Global channel rate limit applied immediately before every send.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" json:"rate_burst"`
	// Paused-campaign poll interval, seconds.
	PausePollSec int `yaml:"pause_poll_sec" json:"pause_poll_sec"`
	// Default per-job delay window, milliseconds, when a job carries no policy.
	DefaultDelayMinMs int `yaml:"default_delay_min_ms" json:"default_delay_min_ms"`
	DefaultDelayMaxMs int `yaml:"default_delay_max_ms" json:"default_delay_max_ms"`
	// Message log retention in days for the daily prune job. 0 keeps forever.
	LogRetentionDays int `yaml:"log_retention_days" json:"log_retention_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	Whatsapp WhatsappConfig `yaml:"whatsapp" json:"whatsapp"`
	Blast    BlastConfig    `yaml:"blast" json:"blast"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wablast",
		Location: "Asia/Jakarta",
		Workdir:  "/var/wablast",
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1980,
	},
	Database: DBConfig{
		Type: "sqlite",
		Name: "wablast",
	},
	Logger: LogConfig{
		Mode:     "development",
		Filename: "/var/wablast/wablast.log",
	},
	Blast: BlastConfig{
		RatePerSecond:     1,
		RateBurst:         1,
		PausePollSec:      3,
		DefaultDelayMinMs: 1500,
		DefaultDelayMaxMs: 4000,
		LogRetentionDays:  90,
	},
}

// CredStorePath resolves the whatsmeow credential store location.
func (c *AppConfig) CredStorePath() string {
	if c.Whatsapp.StorePath != "" {
		return c.Whatsapp.StorePath
	}
	return filepath.Join(c.System.Workdir, "wablast-creds.db")
}

func setEnvStr(name string, val *string) {
	if v := os.Getenv(name); v != "" {
		*val = v
	}
}

func setEnvInt(name string, val *int) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToInt(v)
	}
}

func setEnvBool(name string, val *bool) {
	if v := os.Getenv(name); v != "" {
		*val = cast.ToBool(v)
	}
}

// LoadConfig reads the YAML config file and applies WABLAST_* environment
// overrides. A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			cfg = new(AppConfig)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				panic(err)
			}
		}
	}

	setEnvStr("WABLAST_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvBool("WABLAST_SYSTEM_DEBUG", &cfg.System.Debug)
	setEnvStr("WABLAST_WEB_HOST", &cfg.Web.Host)
	setEnvInt("WABLAST_WEB_PORT", &cfg.Web.Port)
	setEnvStr("WABLAST_DB_TYPE", &cfg.Database.Type)
	setEnvStr("WABLAST_DB_HOST", &cfg.Database.Host)
	setEnvInt("WABLAST_DB_PORT", &cfg.Database.Port)
	setEnvStr("WABLAST_DB_NAME", &cfg.Database.Name)
	setEnvStr("WABLAST_DB_USER", &cfg.Database.User)
	setEnvStr("WABLAST_DB_PWD", &cfg.Database.Passwd)
	setEnvBool("WABLAST_WHATSAPP_SIMULATE", &cfg.Whatsapp.Simulate)
	setEnvStr("WABLAST_WHATSAPP_STORE", &cfg.Whatsapp.StorePath)

	return cfg
}
