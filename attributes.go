package dstore_client

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jimsnab/go-lane"
)

const (
	KeyLocalName AttributeKey = iota
	KeyLocalPath
	KeyHostName
	KeyHostPath
	KeyHostPort
	KeyClientVersion
)

// DefaultLocalVersion is the handshake version this client announces,
// in the form protocol.version.minor.
const DefaultLocalVersion = "8.1.0"

type (
	AttributeKey int

	// Attributes describes one side of a connection. Values can be changed
	// until the connection is established.
	Attributes struct {
		l      lane.Lane
		mu     sync.RWMutex
		values map[AttributeKey]string
		frozen bool
	}
)

func (ak AttributeKey) String() string {
	switch ak {
	case KeyLocalName:
		return "local name"
	case KeyLocalPath:
		return "local path"
	case KeyHostName:
		return "host name"
	case KeyHostPath:
		return "host path"
	case KeyHostPort:
		return "host port"
	case KeyClientVersion:
		return "client version"
	}
	return "unknown"
}

func NewAttributes(l lane.Lane) *Attributes {
	hostName, err := os.Hostname()
	if err != nil {
		l.Debugf("can't determine the local host name: %s", err)
		hostName = "localhost"
	}

	return &Attributes{
		l: l,
		values: map[AttributeKey]string{
			KeyLocalName:     hostName,
			KeyLocalPath:     filepath.Join(os.TempDir(), "dstore"),
			KeyHostName:      "localhost",
			KeyHostPath:      "/",
			KeyHostPort:      "0",
			KeyClientVersion: DefaultLocalVersion,
		},
	}
}

func (a *Attributes) Get(key AttributeKey) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[key]
}

// Set changes an attribute; it returns false when the attributes are frozen
// by an established connection.
func (a *Attributes) Set(key AttributeKey, value string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		a.l.Warnf("ignoring change of %s to %s on an established connection", key, value)
		return false
	}
	a.values[key] = value
	return true
}

func (a *Attributes) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = true
}

func (a *Attributes) Unfreeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = false
}

func (a *Attributes) IsFrozen() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frozen
}
