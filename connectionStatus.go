package dstore_client

import (
	"crypto/x509"
	"strings"
)

// Message prefixes of connect results. Host and port specific detail
// follows the prefix.
const (
	CannotConnect          = "Cannot connect to server."
	IncompatibleUpdate     = "Incompatible DataStore."
	IncompatibleProtocol   = "Incompatible Protocol."
	ServerOlder            = "Older DataStore Server."
	ClientOlder            = "Older DataStore Client."
	HandshakeTimedOut      = "Timeout waiting for socket activity."
	UnexpectedHandshake    = "Unexpected handshake response."
	InvalidDaemonPort      = "Invalid daemon port number."
	InvalidServerPort      = "Invalid server port number."
	SSLTrustFailure        = "Untrusted server certificate."
	ClientAlreadyConnected = "Client is already connected."
)

var knownStatusPrefixes = []string{
	CannotConnect,
	IncompatibleUpdate,
	IncompatibleProtocol,
	ServerOlder,
	ClientOlder,
	HandshakeTimedOut,
	UnexpectedHandshake,
	InvalidDaemonPort,
	InvalidServerPort,
	SSLTrustFailure,
	ClientAlreadyConnected,
}

type (
	// ConnectionStatus is the result of a connect, local connect or
	// launch attempt.
	ConnectionStatus struct {
		Connected bool
		Message   string
		Err       error

		// one-time access ticket issued by a daemon
		Ticket string

		// set when the peer presented a certificate chain that isn't trusted
		SSLProblem            bool
		UntrustedCertificates []*x509.Certificate
	}
)

func newConnectionStatus(connected bool, message string) *ConnectionStatus {
	return &ConnectionStatus{Connected: connected, Message: message}
}

func newFailedStatus(message string, err error) *ConnectionStatus {
	return &ConnectionStatus{Message: message, Err: err}
}

func newTrustFailureStatus(message string, err error, certs []*x509.Certificate) *ConnectionStatus {
	if certs == nil {
		certs = []*x509.Certificate{}
	}
	return &ConnectionStatus{
		Message:               message,
		Err:                   err,
		SSLProblem:            true,
		UntrustedCertificates: certs,
	}
}

func (cs *ConnectionStatus) String() string {
	if cs.Connected {
		if cs.Message == "" {
			return "connected"
		}
		return "connected: " + cs.Message
	}
	return "not connected: " + cs.Message
}

// IsKnownStatus reports whether message is one of the classified connect
// results, as opposed to a failure reported verbatim by a daemon.
func IsKnownStatus(message string) bool {
	for _, prefix := range knownStatusPrefixes {
		if strings.HasPrefix(message, prefix) {
			return true
		}
	}
	return false
}
