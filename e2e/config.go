package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// CHAT_SERVER_ADDR is the HTTP address of a running server. The suites
	// are skipped when it is empty.
	ServerAddr string `envconfig:"CHAT_SERVER_ADDR"`
	GrpcAddr   string `envconfig:"CHAT_GRPC_ADDR" default:"localhost:9090"`
	JwtSecret  string `envconfig:"JWT_SECRET"`
	JwtIssuer  string `envconfig:"JWT_ISSUER" default:"chat-sync"`
	// E2E_DEBUG_JSON allows dumping full request/response bodies as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
