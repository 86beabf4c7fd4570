package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rawtcp/rawtcp/tcpstack"
)

// Settings mirrors the YAML document loaded by ReadConfig, matching the
// teacher's config.AppConfig field-per-key layout (test/echoserver/
// main.go, test/echoclient/main.go). Durations are given in the YAML file
// as Go duration strings ("500ms", "2s").
type Settings struct {
	LocalAddr       string `yaml:"local_addr"`
	ProtocolID      int    `yaml:"protocol_id"`
	ClientPortLower int    `yaml:"client_port_lower"`
	ClientPortUpper int    `yaml:"client_port_upper"`

	PreferredMSS    int `yaml:"preferred_mss"`
	PayloadPoolSize int `yaml:"payload_pool_size"`

	PacketLossSimulation bool `yaml:"packet_loss_simulation"`

	MinRTO string `yaml:"min_rto"`
	MaxRTO string `yaml:"max_rto"`

	RecvTimeout string `yaml:"recv_timeout"`
	SendTimeout string `yaml:"send_timeout"`
}

// AppConfig is the process-wide settings object, loaded once at startup
// by ReadConfig, the same global-variable pattern test/echoserver and
// test/echoclient rely on.
var AppConfig Settings

// ReadConfig loads path as YAML into a Settings value, pre-seeded with
// tcpstack.DefaultConfig's values so a sparse YAML file only needs to
// override what it cares about.
func ReadConfig(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	d := tcpstack.DefaultConfig()
	s := Settings{
		ProtocolID:      d.ProtocolID,
		ClientPortLower: d.ClientPortLower,
		ClientPortUpper: d.ClientPortUpper,
		PreferredMSS:    d.PreferredMSS,
		PayloadPoolSize: d.PayloadPoolSize,
	}

	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// ToStackConfig converts the YAML-shaped Settings into the tcpstack.Config
// a Stack is built from, parsing the duration fields and falling back to
// tcpstack's own zero-value defaults on a blank or unparsable string.
func (s Settings) ToStackConfig() *tcpstack.Config {
	cfg := &tcpstack.Config{
		LocalAddr:            s.LocalAddr,
		ProtocolID:           s.ProtocolID,
		ClientPortLower:      s.ClientPortLower,
		ClientPortUpper:      s.ClientPortUpper,
		PreferredMSS:         s.PreferredMSS,
		PayloadPoolSize:      s.PayloadPoolSize,
		PacketLossSimulation: s.PacketLossSimulation,
	}
	cfg.MinRTO = parseDuration(s.MinRTO)
	cfg.MaxRTO = parseDuration(s.MaxRTO)
	cfg.RecvTimeout = parseDuration(s.RecvTimeout)
	cfg.SendTimeout = parseDuration(s.SendTimeout)
	return cfg
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
