package config

import "time"

// envConfig is the raw struct envdecode populates directly from the
// environment. Duration-like fields are read as strings (Go duration
// syntax, e.g. "30m", "500ms") and resolved into Config by Load.
type envConfig struct {
	Host string `env:"GATEWAY_HOST,default=0.0.0.0"`
	Port int    `env:"GATEWAY_PORT,default=8080"`

	IdPClientID     string `env:"IDP_CLIENT_ID"`
	IdPClientSecret string `env:"IDP_CLIENT_SECRET"`
	IdPRedirectURI  string `env:"IDP_REDIRECT_URI"`

	IdPAuthorizeURL string `env:"IDP_AUTHORIZE_URL,default=https://idp.example.com/oauth/authorize"`
	IdPTokenURL     string `env:"IDP_TOKEN_URL,default=https://idp.example.com/oauth/access_token"`
	IdPRefreshURL   string `env:"IDP_REFRESH_URL,default=https://idp.example.com/oauth/refresh_access_token"`
	IdPUserInfoURL  string `env:"IDP_USERINFO_URL,default=https://idp.example.com/oauth/user_info"`
	IdPScope        string `env:"IDP_SCOPE,default=openid profile"`

	WorkerBinaryPath  string `env:"WORKER_BINARY_PATH,default=/usr/local/bin/worker"`
	WorkerBasePort    int    `env:"WORKER_BASE_PORT,default=9000"`
	WorkerDefaultPort int    `env:"WORKER_DEFAULT_PORT,default=8999"`
	PortWindow        int    `env:"WORKER_PORT_WINDOW,default=1000"`
	MaxInstances      int    `env:"WORKER_MAX_INSTANCES,default=20"`
	IdleTimeout       string `env:"WORKER_IDLE_TIMEOUT,default=30m"`
	MemoryCapMB       int    `env:"WORKER_MEMORY_CAP_MB,default=512"`

	MaxSessions int    `env:"MAX_SESSIONS,default=1000"`
	SessionTTL  string `env:"SESSION_IDLE_TTL,default=24h"`

	RateLimitPerSession float64 `env:"RATE_LIMIT_PER_SESSION,default=10"`
	RateLimitPerIP      float64 `env:"RATE_LIMIT_PER_IP,default=20"`
	RateLimitBurst      int     `env:"RATE_LIMIT_BURST,default=30"`

	DataDir        string `env:"DATA_DIR,default=/var/lib/tenantgate"`
	TokenTTLMargin string `env:"TOKEN_TTL_MARGIN,default=5m"`

	SnapshotInterval string `env:"SNAPSHOT_INTERVAL,default=60s"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`
}

// Config is tenantgate's resolved configuration. All fields have
// defaults except the IdP client credentials, which are mandatory.
type Config struct {
	Host string
	Port int

	IdPClientID     string
	IdPClientSecret string
	IdPRedirectURI  string
	IdPAuthorizeURL string
	IdPTokenURL     string
	IdPRefreshURL   string
	IdPUserInfoURL  string
	IdPScope        string

	WorkerBinaryPath  string
	WorkerBasePort    int
	WorkerDefaultPort int
	PortWindow        int
	MaxInstances      int
	IdleTimeout       time.Duration
	MemoryCapMB       int

	MaxSessions int
	SessionTTL  time.Duration

	RateLimitPerSession float64
	RateLimitPerIP      float64
	RateLimitBurst      int

	DataDir        string
	TokenTTLMargin time.Duration

	SnapshotInterval time.Duration
	LogLevel         string
}
