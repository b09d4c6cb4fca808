package dstore_client

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
	"github.com/spf13/afero"
)

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

const DefaultDisconnectPause = 100 * time.Millisecond

var ErrNotConnected = errors.New("not connected")

type (
	ConnectionState int

	localCommandSpec struct {
		handler func(args cmdline.Values) error
		specs   []string
	}

	// ClientConnection owns the tree and, while connected, the command
	// handler, update handler and receiver bound to it.
	ClientConnection struct {
		l        lane.Lane
		attrs    *Attributes
		notifier *DomainNotifier
		ds       *DataStore

		mu              sync.Mutex // guards everything below
		state           ConnectionState
		ssl             SSLProperties
		daemonSSL       SSLProperties
		trust           TrustManager
		commandWaitTime time.Duration
		updateWaitTime  time.Duration
		disconnectPause time.Duration
		localCommands   []localCommandSpec

		isLocal    bool
		cxn        net.Conn
		cmdHandler CommandHandler
		clientCmd  *ClientCommandHandler
		updHandler *ClientUpdateHandler
		receiver   *ClientReceiver
	}
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// NewClientConnection creates a disconnected client. Files the peer sends
// are cached in fs, or in the OS file system if fs is nil.
func NewClientConnection(l lane.Lane, fs afero.Fs) *ClientConnection {
	attrs := NewAttributes(l)
	notifier := NewDomainNotifier()

	return &ClientConnection{
		l:               l,
		attrs:           attrs,
		notifier:        notifier,
		ds:              NewDataStore(l, attrs, notifier, fs),
		trust:           NewKeyStoreTrustManager(),
		commandWaitTime: DefaultCommandWaitTime,
		updateWaitTime:  DefaultUpdateWaitTime,
		disconnectPause: DefaultDisconnectPause,
	}
}

func (cc *ClientConnection) DataStore() *DataStore {
	return cc.ds
}

func (cc *ClientConnection) DomainNotifier() *DomainNotifier {
	return cc.notifier
}

func (cc *ClientConnection) Attributes() *Attributes {
	return cc.attrs
}

func (cc *ClientConnection) State() ConnectionState {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.state
}

func (cc *ClientConnection) IsConnected() bool {
	return cc.State() == StateConnected && cc.ds.IsConnected()
}

func (cc *ClientConnection) SetHost(host string) bool {
	return cc.attrs.Set(KeyHostName, host)
}

func (cc *ClientConnection) SetPort(port int) bool {
	return cc.attrs.Set(KeyHostPort, strconv.Itoa(port))
}

func (cc *ClientConnection) SetHostDirectory(dir string) bool {
	return cc.attrs.Set(KeyHostPath, dir)
}

func (cc *ClientConnection) SetLocalVersion(version string) bool {
	return cc.attrs.Set(KeyClientVersion, version)
}

func (cc *ClientConnection) SetSSLProperties(ssl SSLProperties) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.ssl = ssl
}

func (cc *ClientConnection) SetDaemonSSLProperties(ssl SSLProperties) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.daemonSSL = ssl
}

func (cc *ClientConnection) SetTrustManager(trust TrustManager) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.trust = trust
}

// TrustCertificates accepts certificates reported by a trust failure, so
// the next attempt can succeed. It requires a trust manager that can add
// certificates.
func (cc *ClientConnection) TrustCertificates(certs []*x509.Certificate) bool {
	cc.mu.Lock()
	trust := cc.trust
	cc.mu.Unlock()

	adder, ok := trust.(certificateAdder)
	if !ok {
		return false
	}
	adder.AddCertificates(certs...)
	return true
}

// SetCommandWaitTime sets the command flush period of the next connection.
func (cc *ClientConnection) SetCommandWaitTime(d time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.commandWaitTime = d
}

// SetUpdateWaitTime sets the notification poll period of the next connection.
func (cc *ClientConnection) SetUpdateWaitTime(d time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.updateWaitTime = d
}

func (cc *ClientConnection) SetDisconnectPause(d time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.disconnectPause = d
}

// RegisterLocalCommand adds a command to the in-process server that
// LocalConnect starts. Specs use the go-cmdline syntax.
func (cc *ClientConnection) RegisterLocalCommand(handler func(args cmdline.Values) error, specs ...string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.localCommands = append(cc.localCommands, localCommandSpec{handler: handler, specs: specs})
}

func (cc *ClientConnection) beginConnect() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.state != StateDisconnected {
		return false
	}
	cc.state = StateConnecting
	return true
}

func (cc *ClientConnection) endConnect(status *ConnectionStatus) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if status.Connected {
		cc.state = StateConnected
	} else {
		cc.state = StateDisconnected
	}
}

// LocalConnect binds an in-process command handler to the tree; no
// network is involved.
func (cc *ClientConnection) LocalConnect() *ConnectionStatus {
	if !cc.beginConnect() {
		return newFailedStatus(ClientAlreadyConnected, nil)
	}

	cc.mu.Lock()
	lh := NewLocalCommandHandler(cc.l.Derive(), cc.ds)
	for _, lcs := range cc.localCommands {
		lh.RegisterCommand(lcs.handler, lcs.specs...)
	}
	uh := NewClientUpdateHandler(cc.l.Derive(), cc.ds)
	uh.SetWaitTime(cc.updateWaitTime)
	cc.mu.Unlock()

	cc.attrs.Freeze()
	cc.ds.syncEndpoint()
	cc.ds.setHandlers(lh, uh)
	cc.ds.SetConnected(true)

	status := newConnectionStatus(true, "")
	if err := cc.startHandlers(uh, lh); err != nil {
		cc.l.Errorf("local connect failed: %s", err)
		uh.Stop()
		lh.Stop()
		cc.ds.Finish()
		cc.attrs.Unfreeze()
		status = newFailedStatus(err.Error(), err)
	} else {
		cc.mu.Lock()
		cc.isLocal = true
		cc.cmdHandler = lh
		cc.updHandler = uh
		cc.mu.Unlock()
		cc.l.Infof("connected locally")
	}

	cc.endConnect(status)
	return status
}

func (cc *ClientConnection) startHandlers(starters ...interface{ Start() error }) error {
	for _, s := range starters {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (cc *ClientConnection) serverEndpoint() (ep endpoint, status *ConnectionStatus) {
	ep.host = cc.attrs.Get(KeyHostName)
	portText := cc.attrs.Get(KeyHostPort)

	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		status = newFailedStatus(fmt.Sprintf("%s %s", InvalidServerPort, portText), err)
		return
	}
	ep.port = port
	return
}

// Connect opens the data socket to the configured host and port, checks
// the peer's version and starts the handlers. The timeout applies to the
// socket setup and the version exchange; zero waits forever.
func (cc *ClientConnection) Connect(ticket string, timeout time.Duration) *ConnectionStatus {
	if !cc.beginConnect() {
		return newFailedStatus(ClientAlreadyConnected, nil)
	}

	status := cc.connect(ticket, timeout)
	cc.endConnect(status)
	return status
}

func (cc *ClientConnection) connect(ticket string, timeout time.Duration) *ConnectionStatus {
	ep, status := cc.serverEndpoint()
	if status != nil {
		return status
	}

	cc.mu.Lock()
	ssl := cc.ssl
	trust := cc.trust
	commandWaitTime := cc.commandWaitTime
	updateWaitTime := cc.updateWaitTime
	cc.mu.Unlock()

	cc.l.Debugf("connecting to %s", ep)
	cxn, status := establishTransport(cc.l, ep, ssl, trust, cc.attrs.Get(KeyLocalPath), timeout)
	if status != nil {
		return status
	}

	local := cc.attrs.Get(KeyClientVersion)
	result, peer := negotiateHandshake(cc.l, cxn, cc.ds, local, timeout)
	status = handshakeStatus(result, ep, local, peer)
	if !status.Connected {
		cc.l.Infof("connection to %s refused: %s", ep, status.Message)
		cxn.Close()
		return status
	}
	if status.Message != "" {
		cc.l.Warnf("%s", status.Message)
	}

	cc.attrs.Freeze()
	cc.ds.syncEndpoint()
	cc.ds.setUsingSSL(ssl.Enabled)

	ch := NewClientCommandHandler(cc.l.Derive(), cc.ds, cxn)
	ch.SetWaitTime(commandWaitTime)
	uh := NewClientUpdateHandler(cc.l.Derive(), cc.ds)
	uh.SetWaitTime(updateWaitTime)
	rcv := NewClientReceiver(cc.l.Derive(), cc.ds, cxn, ch)

	cc.ds.setHandlers(ch, uh)
	cc.ds.SetConnected(true)

	if err := cc.startHandlers(uh, ch, rcv); err != nil {
		cc.l.Errorf("unable to start the connection to %s: %s", ep, err)
		rcv.Stop()
		ch.Stop()
		uh.Stop()
		cc.ds.Finish()
		cxn.Close()
		cc.attrs.Unfreeze()
		return newFailedStatus(err.Error(), err)
	}

	cc.mu.Lock()
	cc.isLocal = false
	cc.cxn = cxn
	cc.cmdHandler = ch
	cc.clientCmd = ch
	cc.updHandler = uh
	cc.receiver = rcv
	cc.mu.Unlock()

	status.Ticket = ticket
	cc.l.Infof("connected to %s", ep)
	return status
}

// handshakeStatus maps every handshake outcome to the connect result.
func handshakeStatus(result HandshakeResult, ep endpoint, local, peer string) *ConnectionStatus {
	switch result {
	case HandshakeCorrect:
		return newConnectionStatus(true, "")
	case HandshakeServerRecentOlder:
		return newConnectionStatus(true, fmt.Sprintf("%s %s runs version %s, client is %s.", ServerOlder, ep, peer, local))
	case HandshakeServerRecentNewer:
		return newConnectionStatus(true, fmt.Sprintf("%s %s runs version %s, client is %s.", ClientOlder, ep, peer, local))
	case HandshakeServerNewer:
		return newFailedStatus(fmt.Sprintf("%s %s runs newer version %s, client is %s.", IncompatibleUpdate, ep, peer, local), nil)
	case HandshakeServerOlder:
		return newFailedStatus(fmt.Sprintf("%s %s runs an older version, client is %s.", IncompatibleUpdate, ep, local), nil)
	case HandshakeIncorrect:
		return newFailedStatus(fmt.Sprintf("%s %s speaks protocol %s, client is %s.", IncompatibleProtocol, ep, peer, local), nil)
	case HandshakeUnexpected:
		return newFailedStatus(fmt.Sprintf("%s %s sent %q.", UnexpectedHandshake, ep, peer), nil)
	case HandshakeTimeout:
		return newFailedStatus(fmt.Sprintf("%s No version from %s.", HandshakeTimedOut, ep), nil)
	}
	panic(fmt.Sprintf("unhandled handshake result %s", result))
}

// LaunchServer asks the daemon on the configured host to start a server.
// On success the host port becomes the server's port and the status holds
// the ticket to pass to Connect. A daemonPort of zero selects the default.
func (cc *ClientConnection) LaunchServer(user, password string, daemonPort int, timeout time.Duration) *ConnectionStatus {
	if cc.State() != StateDisconnected {
		return newFailedStatus(ClientAlreadyConnected, nil)
	}

	if daemonPort == 0 {
		daemonPort = DefaultDaemonPort
	}

	requested, _ := strconv.Atoi(cc.attrs.Get(KeyHostPort))

	cc.mu.Lock()
	req := &daemonRequest{
		ep:       endpoint{host: cc.attrs.Get(KeyHostName), port: daemonPort},
		ssl:      cc.daemonSSL,
		user:     user,
		password: password,
		port:     requested,
	}
	trust := cc.trust
	cc.mu.Unlock()

	status, port := launchViaDaemon(cc.l, req, trust, cc.attrs.Get(KeyLocalPath), timeout)
	if status.Connected {
		cc.SetPort(port)
	}
	return status
}

// SendFile transfers a file to the peer after the commands queued so far.
func (cc *ClientConnection) SendFile(remotePath string, data []byte, binary bool) error {
	ch, err := cc.remoteCommandHandler()
	if err != nil {
		return err
	}
	return ch.SendFile(remotePath, data, binary)
}

// SendAppendFile appends to a file on the peer after the commands queued
// so far.
func (cc *ClientConnection) SendAppendFile(remotePath string, data []byte, binary bool) error {
	ch, err := cc.remoteCommandHandler()
	if err != nil {
		return err
	}
	return ch.SendAppendFile(remotePath, data, binary)
}

// RequestKeepAlive asks the peer to confirm it is alive; the confirmation
// updates DataStore.LastKeepAlive.
func (cc *ClientConnection) RequestKeepAlive() error {
	cc.mu.Lock()
	ch := cc.cmdHandler
	cc.mu.Unlock()

	if ch == nil || !cc.IsConnected() {
		return ErrNotConnected
	}
	ch.SendKeepAliveRequest()
	return nil
}

func (cc *ClientConnection) remoteCommandHandler() (*ClientCommandHandler, error) {
	cc.mu.Lock()
	ch := cc.clientCmd
	cc.mu.Unlock()

	if ch == nil || !cc.IsConnected() {
		return nil, ErrNotConnected
	}
	return ch, nil
}

// Disconnect ends the session and resets the tree. It does nothing unless
// the client is connected.
func (cc *ClientConnection) Disconnect() {
	cc.mu.Lock()
	if cc.state != StateConnected {
		cc.mu.Unlock()
		return
	}
	cc.state = StateDisconnecting
	isLocal := cc.isLocal
	cxn := cc.cxn
	ch := cc.cmdHandler
	clientCmd := cc.clientCmd
	uh := cc.updHandler
	rcv := cc.receiver
	pause := cc.disconnectPause
	cc.mu.Unlock()

	cc.l.Debugf("disconnecting")
	cc.ds.SetConnected(false)

	if !isLocal {
		cc.ds.Command(ExitCommand, nil)
		if err := clientCmd.Flush(); err != nil {
			cc.l.Debugf("unable to send exit: %s", err)
		}
		rcv.Stop()
	}

	ch.Stop()
	time.Sleep(pause)
	uh.Stop()
	cc.ds.Finish()

	if cxn != nil {
		cxn.Close()
	}
	cc.attrs.Unfreeze()

	cc.mu.Lock()
	cc.state = StateDisconnected
	cc.isLocal = false
	cc.cxn = nil
	cc.cmdHandler = nil
	cc.clientCmd = nil
	cc.updHandler = nil
	cc.receiver = nil
	cc.mu.Unlock()

	cc.l.Infof("disconnected")
}
