package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Addr     string `envconfig:"ADDR" default:":8420"`
	DataPath string `envconfig:"DATA_PATH" default:"~/.ptyfleet"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	// Terminal defaults
	ScrollbackBytes int `envconfig:"SCROLLBACK_BYTES" default:"102400"`
	TermCols        int `envconfig:"TERM_COLS" default:"120"`
	TermRows        int `envconfig:"TERM_ROWS" default:"32"`

	// Status polling
	SessionLogRoot     string `envconfig:"SESSION_LOG_ROOT" default:"~/.agents/projects"`
	LocalPollInterval  string `envconfig:"LOCAL_POLL_INTERVAL" default:"30s"`
	RemotePollInterval string `envconfig:"REMOTE_POLL_INTERVAL" default:"10s"`
	IdleThreshold      string `envconfig:"IDLE_THRESHOLD" default:"60s"`

	// SSH
	SSHConnectTimeout    string `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	ForwardCredentialVar string `envconfig:"FORWARD_CREDENTIAL_VAR" default:"AGENT_API_KEY"`

	// Optional YAML file declaring remote machines to upsert at boot.
	FleetFile string `envconfig:"FLEET_FILE" default:""`

	// Broadcast bus
	ClientQueueSize int `envconfig:"CLIENT_QUEUE_SIZE" default:"256"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PTYFLEET", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
