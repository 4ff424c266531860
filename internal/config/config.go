package config

import "time"

// Config is the environment-driven configuration consumed by the demo
// command. Library consumers configure packages directly through options;
// this exists so the binary has a single configuration seam.
type Config interface {
	GetAppName() string
	GetBaseURL() string
	GetUsername() string
	GetPassword() string
	GetRequestTimeout() time.Duration
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
