package dstore_client

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestClassifyHandshakeIgnoresMinor(t *testing.T) {
	for _, peer := range []string{"3.9.0", "3.9.1", "3.9.17", "3.9.x"} {
		if result := ClassifyHandshake("3.9.0", peer); result != HandshakeCorrect {
			t.Errorf("peer %s: got %s", peer, result)
		}
	}
}

func TestClassifyHandshakeVersionDelta(t *testing.T) {
	cases := []struct {
		peer   string
		result HandshakeResult
	}{
		{"3.10.0", HandshakeServerRecentNewer},
		{"3.10.4", HandshakeServerRecentNewer},
		{"3.11.0", HandshakeServerNewer},
		{"3.25.2", HandshakeServerNewer},
		{"3.8.0", HandshakeServerRecentOlder},
		{"3.8.9", HandshakeServerRecentOlder},
		{"3.7.0", HandshakeServerOlder},
		{"3.0.1", HandshakeServerOlder},
	}

	for _, c := range cases {
		if result := ClassifyHandshake("3.9.0", c.peer); result != c.result {
			t.Errorf("peer %s: expected %s, got %s", c.peer, c.result, result)
		}
	}
}

func TestClassifyHandshakeProtocolMismatch(t *testing.T) {
	for _, peer := range []string{"4.9.0", "2.9.0", "4.10.0", "2.8.5", "x.9.0", "8.1.0"} {
		if result := ClassifyHandshake("3.9.0", peer); result != HandshakeIncorrect {
			t.Errorf("peer %s: got %s", peer, result)
		}
	}
}

func TestClassifyHandshakeLegacyServer(t *testing.T) {
	result := ClassifyHandshake("3.9.0", `<DataElement type="root" id="root">`)
	if result != HandshakeServerOlder {
		t.Errorf("got %s", result)
	}
}

func TestClassifyHandshakeMalformed(t *testing.T) {
	for _, peer := range []string{"", "hello", "3.9", "3.9.0.1", "3.a.0"} {
		if result := ClassifyHandshake("3.9.0", peer); result != HandshakeUnexpected {
			t.Errorf("peer %q: got %s", peer, result)
		}
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.9.1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Protocol != "3" || v.Version != 9 || v.Minor != 1 || v.String() != "3.9.1" {
		t.Errorf("unexpected version %+v", v)
	}

	if _, err = ParseVersion("3.9"); err == nil {
		t.Error("expected an error")
	}
	if _, err = ParseVersion("3.9.x"); err == nil {
		t.Error("expected an error")
	}
}

// plays the peer side of a handshake over a pipe
func handshakePeer(t *testing.T, reply string) (client net.Conn, received chan string) {
	client, peer := net.Pipe()
	received = make(chan string, 1)

	go func() {
		padding := make([]byte, 3)
		if _, err := io.ReadFull(peer, padding); err != nil {
			received <- ""
			return
		}
		received <- string(padding)
		if reply != "" {
			peer.Write([]byte(reply))
		}
	}()

	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})
	return
}

func TestNegotiateHandshake(t *testing.T) {
	l, ds := newTestDataStore(t)
	client, received := handshakePeer(t, "3.8.4\r\n")

	result, peer := negotiateHandshake(l, client, ds, "3.9.0", time.Second)
	if result != HandshakeServerRecentOlder {
		t.Errorf("got %s", result)
	}
	if peer != "3.8.4" {
		t.Errorf("peer line %q", peer)
	}
	if padding := <-received; padding != "\n\n\n" {
		t.Errorf("padding %q", padding)
	}
	if ds.ServerVersion() != 8 || ds.ServerMinor() != 4 {
		t.Errorf("recorded version %d.%d", ds.ServerVersion(), ds.ServerMinor())
	}
}

func TestNegotiateHandshakeRecordsVersionOnMismatch(t *testing.T) {
	l, ds := newTestDataStore(t)
	client, _ := handshakePeer(t, "4.2.7\n")

	result, _ := negotiateHandshake(l, client, ds, "3.9.0", time.Second)
	if result != HandshakeIncorrect {
		t.Errorf("got %s", result)
	}
	if ds.ServerVersion() != 2 || ds.ServerMinor() != 7 {
		t.Errorf("recorded version %d.%d", ds.ServerVersion(), ds.ServerMinor())
	}
}

func TestNegotiateHandshakeTimeout(t *testing.T) {
	l, ds := newTestDataStore(t)
	client, _ := handshakePeer(t, "")

	start := time.Now()
	result, _ := negotiateHandshake(l, client, ds, "3.9.0", 50*time.Millisecond)
	if result != HandshakeTimeout {
		t.Errorf("got %s", result)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout not applied")
	}
}

func TestHandshakeStatusCoversAllResults(t *testing.T) {
	ep := endpoint{host: "example", port: 4033}

	cases := []struct {
		result    HandshakeResult
		connected bool
		prefix    string
	}{
		{HandshakeCorrect, true, ""},
		{HandshakeServerRecentOlder, true, ServerOlder},
		{HandshakeServerRecentNewer, true, ClientOlder},
		{HandshakeServerNewer, false, IncompatibleUpdate},
		{HandshakeServerOlder, false, IncompatibleUpdate},
		{HandshakeIncorrect, false, IncompatibleProtocol},
		{HandshakeUnexpected, false, UnexpectedHandshake},
		{HandshakeTimeout, false, HandshakeTimedOut},
	}

	for _, c := range cases {
		status := handshakeStatus(c.result, ep, "3.9.0", "3.9.0")
		if status.Connected != c.connected {
			t.Errorf("%s: connected %v", c.result, status.Connected)
		}
		if c.prefix == "" {
			if status.Message != "" {
				t.Errorf("%s: message %q", c.result, status.Message)
			}
		} else if !IsKnownStatus(status.Message) || status.Message[:len(c.prefix)] != c.prefix {
			t.Errorf("%s: message %q", c.result, status.Message)
		}
	}
}
