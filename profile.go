package dstore_client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Profile is the connection settings read from a YAML file.
	Profile struct {
		Host         string     `yaml:"host"`
		Port         int        `yaml:"port"`
		HostPath     string     `yaml:"host_path"`
		LocalPath    string     `yaml:"local_path"`
		LocalVersion string     `yaml:"local_version"`
		User         string     `yaml:"user"`
		Daemon       bool       `yaml:"daemon"`
		DaemonPort   int        `yaml:"daemon_port"`
		SSL          SSLProfile `yaml:"ssl"`
		DaemonSSL    SSLProfile `yaml:"daemon_ssl"`

		// durations in time.ParseDuration form, such as "10s"
		Timeout         string `yaml:"timeout"`
		CommandWaitTime string `yaml:"command_wait_time"`
		UpdateWaitTime  string `yaml:"update_wait_time"`
	}

	SSLProfile struct {
		Enabled          bool   `yaml:"enabled"`
		KeyStore         string `yaml:"keystore"`
		KeyStorePassword string `yaml:"keystore_password"`
	}
)

func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func ParseProfile(data []byte) (*Profile, error) {
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, err
	}

	for name, value := range map[string]string{
		"timeout":           p.Timeout,
		"command_wait_time": p.CommandWaitTime,
		"update_wait_time":  p.UpdateWaitTime,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return p, nil
}

func (sp SSLProfile) properties() SSLProperties {
	return SSLProperties{
		Enabled:          sp.Enabled,
		KeyStorePath:     sp.KeyStore,
		KeyStorePassword: sp.KeyStorePassword,
	}
}

// TimeoutDuration returns the connect timeout; zero means wait forever.
func (p *Profile) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(p.Timeout)
	return d
}

// Apply copies the profile's non-empty settings onto a disconnected client.
func (p *Profile) Apply(cc *ClientConnection) {
	if p.Host != "" {
		cc.SetHost(p.Host)
	}
	if p.Port != 0 {
		cc.SetPort(p.Port)
	}
	if p.HostPath != "" {
		cc.SetHostDirectory(p.HostPath)
	}
	if p.LocalPath != "" {
		cc.Attributes().Set(KeyLocalPath, p.LocalPath)
	}
	if p.LocalVersion != "" {
		cc.SetLocalVersion(p.LocalVersion)
	}

	cc.SetSSLProperties(p.SSL.properties())
	cc.SetDaemonSSLProperties(p.DaemonSSL.properties())

	if d, err := time.ParseDuration(p.CommandWaitTime); err == nil {
		cc.SetCommandWaitTime(d)
	}
	if d, err := time.ParseDuration(p.UpdateWaitTime); err == nil {
		cc.SetUpdateWaitTime(d)
	}
}
