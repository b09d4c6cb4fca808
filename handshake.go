package dstore_client

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jimsnab/go-lane"
)

// The possible outcomes of the version handshake.
const (
	HandshakeIncorrect HandshakeResult = iota
	HandshakeServerOlder
	HandshakeCorrect
	HandshakeUnexpected
	HandshakeServerNewer
	HandshakeServerRecentOlder
	HandshakeServerRecentNewer
	HandshakeTimeout
)

const (
	// a server that predates the handshake starts streaming its tree
	// document right away
	legacyDocumentTag = "<DataElement"

	maxHandshakeLine = 4096
)

type (
	HandshakeResult int

	// Version is a protocol.version.minor triple.
	Version struct {
		Protocol string
		Version  int
		Minor    int
	}
)

func (hr HandshakeResult) String() string {
	switch hr {
	case HandshakeIncorrect:
		return "incorrect"
	case HandshakeServerOlder:
		return "server older"
	case HandshakeCorrect:
		return "correct"
	case HandshakeUnexpected:
		return "unexpected"
	case HandshakeServerNewer:
		return "server newer"
	case HandshakeServerRecentOlder:
		return "server recent older"
	case HandshakeServerRecentNewer:
		return "server recent newer"
	case HandshakeTimeout:
		return "timeout"
	}
	return fmt.Sprintf("handshake(%d)", int(hr))
}

// ParseVersion parses a protocol.version.minor string.
func ParseVersion(s string) (v Version, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" {
		err = fmt.Errorf("malformed version %q", s)
		return
	}

	v.Protocol = parts[0]
	if v.Version, err = strconv.Atoi(parts[1]); err != nil {
		err = fmt.Errorf("malformed version %q: %w", s, err)
		return
	}
	if v.Minor, err = strconv.Atoi(parts[2]); err != nil {
		err = fmt.Errorf("malformed version %q: %w", s, err)
		return
	}
	return
}

func (v Version) String() string {
	return fmt.Sprintf("%s.%d.%d", v.Protocol, v.Version, v.Minor)
}

// ClassifyHandshake compares the version line a peer sent with the local
// version. The minor component never affects the outcome.
func ClassifyHandshake(local, peer string) HandshakeResult {
	if peer == local {
		return HandshakeCorrect
	}

	if strings.HasPrefix(peer, legacyDocumentTag) {
		return HandshakeServerOlder
	}

	peerParts := strings.Split(peer, ".")
	localParts := strings.Split(local, ".")
	if len(peerParts) != 3 || len(localParts) != 3 {
		return HandshakeUnexpected
	}

	if peerParts[0] != localParts[0] {
		return HandshakeIncorrect
	}

	peerVersion, err := strconv.Atoi(peerParts[1])
	if err != nil {
		return HandshakeUnexpected
	}
	localVersion, err := strconv.Atoi(localParts[1])
	if err != nil {
		return HandshakeUnexpected
	}

	switch delta := peerVersion - localVersion; {
	case delta == 0:
		return HandshakeCorrect
	case delta == 1:
		return HandshakeServerRecentNewer
	case delta > 1:
		return HandshakeServerNewer
	case delta == -1:
		return HandshakeServerRecentOlder
	default:
		return HandshakeServerOlder
	}
}

// negotiateHandshake performs the version exchange on a fresh socket. The
// timeout applies only to the peer's version line; zero waits forever.
func negotiateHandshake(l lane.Lane, cxn net.Conn, ds *DataStore, local string, timeout time.Duration) (result HandshakeResult, peer string) {
	// legacy framing: three empty lines precede the first read
	if _, err := cxn.Write([]byte("\n\n\n")); err != nil {
		l.Debugf("handshake write error to %s: %s", cxn.RemoteAddr().String(), err)
		return HandshakeUnexpected, ""
	}

	if timeout > 0 {
		cxn.SetReadDeadline(time.Now().Add(timeout))
	}

	peer, err := readLine(cxn)
	if err != nil {
		l.Debugf("no handshake from %s: %s", cxn.RemoteAddr().String(), err)
		return HandshakeTimeout, ""
	}

	// steady-state traffic has no read timeout
	cxn.SetReadDeadline(time.Time{})

	if v, err := ParseVersion(peer); err == nil {
		ds.setServerVersion(v.Version, v.Minor)
	}

	result = ClassifyHandshake(local, peer)
	l.Tracef("handshake with %s: local %s, peer %s: %s", cxn.RemoteAddr().String(), local, peer, result)
	return
}

// reads one newline terminated line without consuming any byte past it
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			sb.WriteByte(b[0])
			if sb.Len() >= maxHandshakeLine {
				// long enough to classify
				return sb.String(), nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}
