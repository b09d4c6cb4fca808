package dstore_client

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const testProfile = `
host: data.example.com
port: 4100
host_path: /home/alice
user: alice
daemon: true
daemon_port: 4075
timeout: 15s
command_wait_time: 50ms
ssl:
  enabled: true
  keystore: client.p12
  keystore_password: changeit
`

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dstore.yaml")
	if err := os.WriteFile(path, []byte(testProfile), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Host != "data.example.com" || p.Port != 4100 || p.User != "alice" || !p.Daemon || p.DaemonPort != 4075 {
		t.Errorf("unexpected profile %+v", p)
	}
	if !p.SSL.Enabled || p.SSL.KeyStore != "client.p12" || p.DaemonSSL.Enabled {
		t.Errorf("unexpected ssl settings %+v %+v", p.SSL, p.DaemonSSL)
	}
	if p.TimeoutDuration() != 15*time.Second {
		t.Errorf("timeout %s", p.TimeoutDuration())
	}
}

func TestParseProfileErrors(t *testing.T) {
	if _, err := ParseProfile([]byte("timeout: soon")); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("bad duration accepted: %v", err)
	}
	if _, err := ParseProfile([]byte("port: [1, 2]")); err == nil {
		t.Error("bad yaml accepted")
	}
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	p, err := ParseProfile(nil)
	if err != nil || p.TimeoutDuration() != 0 {
		t.Errorf("empty profile: %v", err)
	}
}

func TestProfileApply(t *testing.T) {
	p, err := ParseProfile([]byte(testProfile))
	if err != nil {
		t.Fatal(err)
	}

	cc := NewClientConnection(testLane(), afero.NewMemMapFs())
	p.Apply(cc)

	attrs := cc.Attributes()
	if attrs.Get(KeyHostName) != "data.example.com" || attrs.Get(KeyHostPort) != "4100" || attrs.Get(KeyHostPath) != "/home/alice" {
		t.Error("endpoint not applied")
	}
	if attrs.Get(KeyClientVersion) != DefaultLocalVersion {
		t.Error("unset version changed")
	}
	if !cc.ssl.Enabled || cc.ssl.KeyStorePassword != "changeit" || cc.daemonSSL.Enabled {
		t.Errorf("ssl not applied %+v", cc.ssl)
	}
	if cc.commandWaitTime != 50*time.Millisecond || cc.updateWaitTime != DefaultUpdateWaitTime {
		t.Errorf("wait times %s %s", cc.commandWaitTime, cc.updateWaitTime)
	}
}
