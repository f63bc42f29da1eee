package config

type Config interface {
	EnvConfig
	SessionConfig
	OAuthConfig
	StorageConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetMetricsAddr() string
}

type mainConfig struct {
	EnvVars
	Session
	OAuth
	Storage
}

func New() Config {
	return mainConfig{}
}
