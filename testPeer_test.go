package dstore_client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/spf13/afero"
)

type (
	// testPeer is a minimal server: it answers the version exchange and
	// then hands each connection to the test.
	testPeer struct {
		l        lane.Lane
		listener net.Listener
		port     int
		version  string
		accepted chan *testPeerCxn
		done     chan struct{}

		mu    sync.Mutex
		cxns  []net.Conn
		tried int
	}

	testPeerCxn struct {
		cxn net.Conn
		dw  *documentWriter
		dr  *documentReader
	}

	testDaemon struct {
		listener net.Listener
		port     int
		reply    []string
		received chan []string
		done     chan struct{}
	}

	stubUpdateHandler struct {
		mu    sync.Mutex
		added []*DataElement
	}

	stubCommandHandler struct {
		mu       sync.Mutex
		commands []*DataElement
		requests int
		confirms int
	}
)

func testLane() lane.Lane {
	return lane.NewTestingLane(context.Background())
}

func newTestDataStore(t *testing.T) (l lane.Lane, ds *DataStore) {
	l = testLane()
	ds = NewDataStore(l, NewAttributes(l), NewDomainNotifier(), afero.NewMemMapFs())
	return
}

// waits up to 5 seconds for cond to become true
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestPeer(t *testing.T, l lane.Lane, version string, cert *tls.Certificate) *testPeer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("can't listen: %s", err.Error())
	}
	if cert != nil {
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{*cert}})
	}

	tp := &testPeer{
		l:        l,
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		version:  version,
		accepted: make(chan *testPeerCxn, 10),
		done:     make(chan struct{}),
	}

	go tp.acceptLoop()

	t.Cleanup(func() {
		tp.listener.Close()
		<-tp.done
		tp.mu.Lock()
		for _, cxn := range tp.cxns {
			cxn.Close()
		}
		tp.mu.Unlock()
	})
	return tp
}

func (tp *testPeer) acceptLoop() {
	defer close(tp.done)

	for {
		cxn, err := tp.listener.Accept()
		if err != nil {
			return
		}

		tp.mu.Lock()
		tp.cxns = append(tp.cxns, cxn)
		tp.tried++
		tp.mu.Unlock()

		if tc, ok := cxn.(*tls.Conn); ok {
			tc.SetDeadline(time.Now().Add(5 * time.Second))
			if err = tc.Handshake(); err != nil {
				tp.l.Tracef("test peer tls handshake failed: %s", err)
				cxn.Close()
				continue
			}
			tc.SetDeadline(time.Time{})
		}

		// the client pads with three empty lines
		padding := make([]byte, 3)
		if _, err = io.ReadFull(cxn, padding); err != nil {
			cxn.Close()
			continue
		}
		if tp.version != "" {
			cxn.Write([]byte(tp.version + "\n"))
		}

		tp.accepted <- &testPeerCxn{
			cxn: cxn,
			dw:  newDocumentWriter(tp.l, cxn),
			dr:  newDocumentReader(tp.l, cxn),
		}
	}
}

func (tp *testPeer) attempts() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.tried
}

func (tp *testPeer) accept(t *testing.T) *testPeerCxn {
	t.Helper()

	select {
	case pc := <-tp.accepted:
		return pc
	case <-time.After(5 * time.Second):
		t.Fatal("no connection to the test peer")
		return nil
	}
}

func (pc *testPeerCxn) next(t *testing.T) *documentNode {
	t.Helper()

	pc.cxn.SetReadDeadline(time.Now().Add(5 * time.Second))
	doc, err := pc.dr.next()
	if err != nil {
		t.Fatalf("test peer read failed: %s", err.Error())
	}
	return doc
}

// expects the client to close the socket
func (pc *testPeerCxn) expectClosed(t *testing.T) {
	t.Helper()

	pc.cxn.SetReadDeadline(time.Now().Add(5 * time.Second))
	doc, err := pc.dr.next()
	if err == nil {
		t.Fatalf("unexpected %s document %s", doc.Type, doc.Name)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("socket was not closed")
	}
}

func (pc *testPeerCxn) send(t *testing.T, doc *documentNode) {
	t.Helper()

	if err := pc.dw.send(doc); err != nil {
		t.Fatalf("test peer write failed: %s", err.Error())
	}
}

func newTestDaemon(t *testing.T, reply ...string) *testDaemon {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("can't listen: %s", err.Error())
	}

	td := &testDaemon{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		reply:    reply,
		received: make(chan []string, 1),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(td.done)
		cxn, err := listener.Accept()
		if err != nil {
			return
		}
		defer cxn.Close()

		cxn.SetDeadline(time.Now().Add(5 * time.Second))
		lines := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			line, err := readLine(cxn)
			if err != nil {
				return
			}
			lines = append(lines, line)
		}
		td.received <- lines

		cxn.Write([]byte(strings.Join(td.reply, "\n") + "\n"))
	}()

	t.Cleanup(func() {
		listener.Close()
		<-td.done
	})
	return td
}

func generateTestCert(t *testing.T) (cert tls.Certificate, leaf *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "dstore test server"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	if leaf, err = x509.ParseCertificate(der); err != nil {
		t.Fatal(err)
	}

	cert = tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return
}

func (uh *stubUpdateHandler) AddData(elem *DataElement) {
	uh.mu.Lock()
	defer uh.mu.Unlock()
	uh.added = append(uh.added, elem)
}

func (uh *stubUpdateHandler) UpdateFile(remotePath string, data []byte, binary bool) {}
func (uh *stubUpdateHandler) RequestClass(className string)                          {}
func (uh *stubUpdateHandler) Start() error                                          { return nil }
func (uh *stubUpdateHandler) Stop()                                                 {}

func (uh *stubUpdateHandler) queued(elem *DataElement) bool {
	uh.mu.Lock()
	defer uh.mu.Unlock()
	for _, e := range uh.added {
		if e == elem {
			return true
		}
	}
	return false
}

func (ch *stubCommandHandler) AddCommand(cmd *DataElement) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.commands = append(ch.commands, cmd)
}

func (ch *stubCommandHandler) SendKeepAliveRequest() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.requests++
}

func (ch *stubCommandHandler) SendKeepAliveConfirmation() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms++
}

func (ch *stubCommandHandler) Start() error { return nil }
func (ch *stubCommandHandler) Stop()        {}

func (ch *stubCommandHandler) confirmations() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirms
}

// issues a server certificate for host signed by ca; the chain includes ca
func generateTestLeaf(t *testing.T, ca tls.Certificate, host string) (cert tls.Certificate, leaf *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Leaf, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if leaf, err = x509.ParseCertificate(der); err != nil {
		t.Fatal(err)
	}

	cert = tls.Certificate{
		Certificate: [][]byte{der, ca.Leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return
}
