package ipstack

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// StackConfig is the YAML-loadable aggregate configuration for host-side
// tools that assemble a stack out of this module's packages. Zero values
// mean "use the package default". The protocol packages map the relevant
// section onto their own typed option structs at construction.
type StackConfig struct {
	TCP struct {
		MaxPCBs             int    `yaml:"max_pcbs"`
		OutOfSeqSegs        int    `yaml:"out_of_seq_segs"`
		EphemeralPortFirst  uint16 `yaml:"ephemeral_port_first"`
		EphemeralPortLast   uint16 `yaml:"ephemeral_port_last"`
		WindowUpdateThresh  uint32 `yaml:"window_update_threshold"`
		UserTimeoutMillis   uint32 `yaml:"user_timeout_ms"`
		DisableDelayedSends bool   `yaml:"disable_delayed_sends"`
	} `yaml:"tcp"`
	Reassembly struct {
		MaxEntries     int    `yaml:"max_entries"`
		MaxDatagram    uint16 `yaml:"max_datagram"`
		MaxHoles       int    `yaml:"max_holes"`
		MaxTimeSeconds uint8  `yaml:"max_time_seconds"`
	} `yaml:"reassembly"`
	Log struct {
		Level string `yaml:"level"` // "trace", "debug", "info", "warn" or "error"
	} `yaml:"log"`
}

// LoadStackConfig decodes a YAML stack configuration from r.
// Unknown fields are rejected so typos surface at load time.
func LoadStackConfig(r io.Reader) (*StackConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg StackConfig
	err := dec.Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding stack config: %w", err)
	}
	if cfg.TCP.EphemeralPortFirst != 0 && cfg.TCP.EphemeralPortLast != 0 &&
		cfg.TCP.EphemeralPortLast < cfg.TCP.EphemeralPortFirst {
		return nil, fmt.Errorf("stack config: ephemeral port range [%d, %d] is inverted",
			cfg.TCP.EphemeralPortFirst, cfg.TCP.EphemeralPortLast)
	}
	return &cfg, nil
}
