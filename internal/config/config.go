package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	Version   string
	NodeID    string

	DatabaseDriver   string
	PostgresDSN      string
	SQLitePath       string
	DBTimeoutSeconds int

	DataFolder   string
	UploadFolder string
	CAFolder     string

	CAName               string
	CACountry            string
	CAState              string
	CACity               string
	CAOrganization       string
	CAOrganizationalUnit string
	CAPassword           string
	CAExpirationDays     int
	CAAutoInit           bool

	ServerAddress    string
	MartiHTTPSPort   int
	SSLStreamingPort int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitMaxKeys       int
	RateLimitFailClosed    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PolicyBundlePath        string
	PackageAnonymousUpdates bool

	AdminUsername string
	AdminPassword string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	dataFolder := envDefault("DATA_FOLDER", filepath.Join(homeDir(), "ots"))
	return Config{
		HTTPAddr:                addr,
		LogLevel:                envDefault("LOG_LEVEL", "info"),
		LogFormat:               envDefault("LOG_FORMAT", "json"),
		Version:                 envDefault("VERSION", "dev"),
		NodeID:                  envDefault("NODE_ID", hostname()),
		DatabaseDriver:          envDefault("DATABASE_DRIVER", "sqlite"),
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		SQLitePath:              envDefault("SQLITE_PATH", filepath.Join(dataFolder, "ots.db")),
		DBTimeoutSeconds:        envIntDefault("DB_TIMEOUT_SECONDS", 10),
		DataFolder:              dataFolder,
		UploadFolder:            envDefault("UPLOAD_FOLDER", filepath.Join(dataFolder, "uploads")),
		CAFolder:                envDefault("CA_FOLDER", filepath.Join(dataFolder, "ca")),
		CAName:                  envDefault("CA_NAME", "OpenTAKServer-CA"),
		CACountry:               envDefault("CA_COUNTRY", "WW"),
		CAState:                 envDefault("CA_STATE", "XX"),
		CACity:                  envDefault("CA_CITY", "YY"),
		CAOrganization:          envDefault("CA_ORGANIZATION", "ZZ"),
		CAOrganizationalUnit:    envDefault("CA_ORGANIZATIONAL_UNIT", "OpenTAKServer"),
		CAPassword:              envDefault("CA_PASSWORD", "atakatak"),
		CAExpirationDays:        envIntDefault("CA_EXPIRATION_DAYS", 3650),
		CAAutoInit:              envBoolDefault("CA_AUTO_INIT", true),
		ServerAddress:           os.Getenv("SERVER_ADDRESS"),
		MartiHTTPSPort:          envIntDefault("MARTI_HTTPS_PORT", 8443),
		SSLStreamingPort:        envIntDefault("SSL_STREAMING_PORT", 8089),
		RateLimitRequests:       envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds:  envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxKeys:        envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RateLimitFailClosed:     envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 envIntDefault("REDIS_DB", 0),
		PolicyBundlePath:        os.Getenv("POLICY_BUNDLE_PATH"),
		PackageAnonymousUpdates: envBoolDefault("PACKAGE_ANONYMOUS_UPDATES", true),
		AdminUsername:           os.Getenv("ADMIN_USERNAME"),
		AdminPassword:           os.Getenv("ADMIN_PASSWORD"),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "takserver"
	}
	return name
}

func (c Config) DBTimeout() time.Duration {
	if c.DBTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DBTimeoutSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimitWindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// AdvertisedHost is the hostname handed to clients in URLs and server
// preferences. requestHost is used when SERVER_ADDRESS is unset.
func (c Config) AdvertisedHost(requestHost string) string {
	if c.ServerAddress != "" {
		return c.ServerAddress
	}
	return requestHost
}
