package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr        string
	TLSListenAddr     string
	TLSEnabled        bool
	TargetsDir        string
	Token             string
	TokensFile        string
	Domains           []string
	WhitelistTTL      time.Duration
	ResolveTimeout    time.Duration
	MaxFailedAttempts int
	RateLimit         int
	RateLimitWindow   time.Duration
	AuditDBEnabled    bool
	PostgresUser      string
	PostgresPassword  string
	PostgresHost      string
	PostgresPort      string
	PostgresDatabase  string
	PostgresSSLMode   string
}

type ClientConfig struct {
	ServerURL         string
	Token             string
	CertName          string
	CertDestPath      string
	LocalCacheDir     string
	PostUpdateCommand string
	Timeout           time.Duration
	VerifySSL         bool
}

type HookConfig struct {
	LiveDir     string
	OutputDir   string
	CertName    string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

func LoadServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr:        getEnv("CERTDELIVER_LISTEN_ADDR", ":8000"),
		TLSListenAddr:     getEnv("CERTDELIVER_TLS_LISTEN_ADDR", ":8443"),
		TLSEnabled:        getEnvBool("CERTDELIVER_TLS_ENABLED", false),
		TargetsDir:        getEnv("CERTDELIVER_TARGETS_DIR", "/opt/certdeliver/targets"),
		Token:             getEnv("CERTDELIVER_TOKEN", ""),
		TokensFile:        getEnv("CERTDELIVER_TOKENS_FILE", ""),
		Domains:           splitList(getEnv("CERTDELIVER_DOMAIN_LIST", "")),
		WhitelistTTL:      getEnvDuration("CERTDELIVER_WHITELIST_TTL", 5*time.Minute),
		ResolveTimeout:    getEnvDuration("CERTDELIVER_RESOLVE_TIMEOUT", 5*time.Second),
		MaxFailedAttempts: getEnvInt("CERTDELIVER_MAX_FAILED_ATTEMPTS", 5),
		RateLimit:         getEnvInt("CERTDELIVER_RATE_LIMIT", 100),
		RateLimitWindow:   getEnvDuration("CERTDELIVER_RATE_LIMIT_WINDOW", time.Minute),
		AuditDBEnabled:    getEnvBool("CERTDELIVER_AUDIT_DB", false),
		PostgresUser:      getEnv("POSTGRES_USER", "certdeliver"),
		PostgresPassword:  getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:      getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:      getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase:  getEnv("POSTGRES_DATABASE", "certdeliver"),
		PostgresSSLMode:   getEnv("POSTGRES_SSL_MODE", "disable"),
	}
}

func LoadClient() *ClientConfig {
	return &ClientConfig{
		ServerURL:         getEnv("CERTDELIVER_CLIENT_SERVER_URL", "https://localhost:8000/api/v1"),
		Token:             getEnv("CERTDELIVER_CLIENT_TOKEN", ""),
		CertName:          getEnv("CERTDELIVER_CLIENT_CERT_NAME", "cert"),
		CertDestPath:      getEnv("CERTDELIVER_CLIENT_CERT_DEST_PATH", "/etc/ssl/certs/certdeliver"),
		LocalCacheDir:     getEnv("CERTDELIVER_CLIENT_LOCAL_CACHE_DIR", "/var/cache/certdeliver"),
		PostUpdateCommand: getEnv("CERTDELIVER_CLIENT_POST_UPDATE_COMMAND", ""),
		Timeout:           getEnvDuration("CERTDELIVER_CLIENT_TIMEOUT", 30*time.Second),
		VerifySSL:         getEnvBool("CERTDELIVER_CLIENT_VERIFY_SSL", true),
	}
}

func LoadHook() *HookConfig {
	return &HookConfig{
		LiveDir:     getEnv("CERTDELIVER_HOOK_LETSENCRYPT_LIVE_DIR", "/etc/letsencrypt/live"),
		OutputDir:   getEnv("CERTDELIVER_HOOK_OUTPUT_DIR", "/opt/certdeliver/targets"),
		CertName:    getEnv("CERTDELIVER_HOOK_CERT_NAME", "cert"),
		S3Bucket:    getEnv("CERTDELIVER_HOOK_S3_BUCKET", ""),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:  getEnv("CERTDELIVER_HOOK_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}
}

// Tokens returns the token to permission-pattern map for the server. A YAML
// tokens file takes precedence; a bare CERTDELIVER_TOKEN falls back to a
// single master token with access to everything.
func (c *ServerConfig) Tokens() (map[string][]string, error) {
	if c.TokensFile != "" {
		return LoadTokensFile(c.TokensFile)
	}
	if c.Token != "" {
		return map[string][]string{c.Token: {"*"}}, nil
	}
	return nil, fmt.Errorf("no tokens configured: set CERTDELIVER_TOKENS_FILE or CERTDELIVER_TOKEN")
}

type tokensFile struct {
	Tokens map[string][]string `yaml:"tokens"`
}

func LoadTokensFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens file: %w", err)
	}

	var tf tokensFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse tokens file: %w", err)
	}
	if len(tf.Tokens) == 0 {
		return nil, fmt.Errorf("tokens file %s defines no tokens", path)
	}

	for token, patterns := range tf.Tokens {
		if token == "" {
			return nil, fmt.Errorf("tokens file %s contains an empty token", path)
		}
		if len(patterns) == 0 {
			return nil, fmt.Errorf("token ending %q has no permission patterns", tail(token))
		}
	}

	return tf.Tokens, nil
}

func tail(token string) string {
	if len(token) <= 4 {
		return "***"
	}
	return token[len(token)-4:]
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
