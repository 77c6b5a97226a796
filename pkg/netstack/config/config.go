// Package config loads the stack configuration from TOML.
package config

import (
	network "net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"kernos/pkg/netstack"
)

// InterfaceConfig describes the single network interface the stack
// drives.
type InterfaceConfig struct {
	Name string `toml:"name"`
	MAC  string `toml:"mac"`
	IP   string `toml:"ip"`
	MTU  int    `toml:"mtu"`
}

// Config is the stack configuration.
type Config struct {
	Interface InterfaceConfig `toml:"interface"`
	LogLevel  string          `toml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Interface: InterfaceConfig{
			Name: "eth0",
			MAC:  "52:54:00:12:34:56",
			IP:   "10.0.0.1",
			MTU:  1500,
		},
		LogLevel: "info",
	}
}

// Load reads a TOML configuration file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}

	return cfg, nil
}

// BuildInterface materializes the interface descriptor. The driver is
// attached by the caller.
func (c Config) BuildInterface() (*netstack.Interface, error) {
	mac, err := network.ParseMAC(c.Interface.MAC)
	if err != nil {
		return nil, errors.Wrapf(err, "config: interface mac %q", c.Interface.MAC)
	}

	ip := network.ParseIP(c.Interface.IP)
	if ip == nil || ip.To4() == nil {
		return nil, errors.Errorf("config: interface ip %q is not an IPv4 address", c.Interface.IP)
	}

	mtu := c.Interface.MTU
	if mtu == 0 {
		mtu = 1500
	}

	return &netstack.Interface{
		Name: c.Interface.Name,
		MAC:  mac,
		IP:   ip.To4(),
		MTU:  mtu,
		Up:   true,
	}, nil
}
