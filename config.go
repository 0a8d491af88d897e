package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	DBPath         string
	SecureCookies  bool // true on HTTPS deployments
	UploadDir      string
	PublicBaseURL  string
	MaxUploadBytes int64
	AllowedOrigins []string
	SeedPath       string
	Debug          bool
}

// LoadConfig reads settings from the environment, after loading envFile
// when it exists. Env names are the upper-cased keys (PORT, DB_PATH, ...).
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("db_path", "lms.db")
	v.SetDefault("secure_cookies", false)
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("public_base_url", "http://localhost:8080")
	v.SetDefault("max_upload_bytes", 20<<20)
	v.SetDefault("allowed_origins", "")
	v.SetDefault("seed_path", "data/questions.json")
	v.SetDefault("debug", false)
	v.AutomaticEnv()

	conf := Config{
		Port:           v.GetString("port"),
		DBPath:         v.GetString("db_path"),
		SecureCookies:  v.GetBool("secure_cookies"),
		UploadDir:      v.GetString("upload_dir"),
		PublicBaseURL:  strings.TrimRight(v.GetString("public_base_url"), "/"),
		MaxUploadBytes: v.GetInt64("max_upload_bytes"),
		SeedPath:       v.GetString("seed_path"),
		Debug:          v.GetBool("debug"),
	}
	for _, o := range strings.Split(v.GetString("allowed_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			conf.AllowedOrigins = append(conf.AllowedOrigins, o)
		}
	}
	if conf.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", conf.MaxUploadBytes)
	}
	return conf, nil
}

// originAllowed accepts configured origins and any http://localhost:PORT.
func (c Config) originAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if origin == o {
			return true
		}
	}
	return strings.HasPrefix(origin, "http://localhost:")
}
