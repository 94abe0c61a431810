package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Mux        MuxConfig        `yaml:"mux"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Name distinguishes this replica on the cross-instance close channel.
	// Defaults to the hostname.
	Name string `yaml:"name"`
}

type HomeserverConfig struct {
	Domain string `yaml:"domain"`
	// NamespacePrefix is the localpart prefix of all bridged ghost users,
	// without the leading @.
	NamespacePrefix string `yaml:"namespace_prefix"`
}

type DatabaseConfig struct {
	URI string `yaml:"uri"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MuxConfig struct {
	HSToken string `yaml:"hs_token"`
	// Endpoint templates; {owner} and {prefix} are substituted per appservice.
	RemoteStatusEndpoint          string          `yaml:"remote_status_endpoint"`
	BridgeStatusEndpoint          string          `yaml:"bridge_status_endpoint"`
	MessageSendCheckpointEndpoint string          `yaml:"message_send_checkpoint_endpoint"`
	SyncProxy                     SyncProxyConfig `yaml:"sync_proxy"`
	// Bridges whose websocket is optional (woken by push instead), so a lost
	// connection is not reported as BRIDGE_UNREACHABLE.
	UnreachableExemptPrefixes []string `yaml:"unreachable_exempt_prefixes"`
}

type SyncProxyConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// OwnAddress is the address the sync proxy should send transactions back to.
	OwnAddress string `yaml:"asmux_address"`
}

// MXIDPrefix returns the full user id prefix of bridged ghosts, e.g. "@beeper_".
func (c *Config) MXIDPrefix() string {
	return "@" + c.Homeserver.NamespacePrefix
}

// MXIDSuffix returns the server part of user ids, e.g. ":example.com".
func (c *Config) MXIDSuffix() string {
	return ":" + c.Homeserver.Domain
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
	}
	if cfg.Homeserver.Domain == "" {
		return nil, fmt.Errorf("homeserver.domain must be set")
	}
	if cfg.Mux.HSToken == "" {
		return nil, fmt.Errorf("mux.hs_token must be set")
	}
	return &cfg, nil
}
