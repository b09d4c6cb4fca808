package dstore_client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	// SSLProperties select TLS for a connection. The key store is optional;
	// when present its certificates become trusted and its private key, if
	// any, is offered as the client certificate.
	SSLProperties struct {
		Enabled          bool
		KeyStorePath     string
		KeyStorePassword string
	}

	endpoint struct {
		host string
		port int
	}

	trustResetter interface {
		Reset()
	}

	certificateAdder interface {
		AddCertificates(certs ...*x509.Certificate)
	}
)

func (ep endpoint) String() string {
	return net.JoinHostPort(ep.host, strconv.Itoa(ep.port))
}

// establishTransport opens a plain or TLS socket to ep. On failure the
// returned status carries the classified message and the socket is nil.
func establishTransport(l lane.Lane, ep endpoint, ssl SSLProperties, trust TrustManager, localPath string, timeout time.Duration) (net.Conn, *ConnectionStatus) {
	dialer := net.Dialer{Timeout: timeout}
	cxn, err := dialer.Dial("tcp", ep.String())
	if err != nil {
		l.Debugf("dial %s failed: %s", ep, err)
		return nil, newFailedStatus(dialFailureMessage(ep, err), err)
	}

	if !ssl.Enabled {
		return cxn, nil
	}

	if r, ok := trust.(trustResetter); ok {
		r.Reset()
	}

	cfg, err := newClientTLSConfig(ssl, trust, localPath, ep.host)
	if err != nil {
		cxn.Close()
		l.Warnf("tls configuration for %s failed: %s", ep, err)
		return nil, newFailedStatus(fmt.Sprintf("%s Key store error: %s", CannotConnect, err), err)
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tlsCxn := tls.Client(cxn, cfg)
	if err = tlsCxn.HandshakeContext(ctx); err != nil {
		cxn.Close()

		var untrusted *UntrustedCertificateError
		if errors.As(err, &untrusted) {
			l.Infof("certificate of %s is not trusted", ep)
			return nil, newTrustFailureStatus(fmt.Sprintf("%s %s", SSLTrustFailure, ep), err, untrusted.Certificates)
		}
		if trust != nil {
			if certs := trust.UntrustedCertificates(); len(certs) > 0 {
				l.Infof("certificate of %s is not trusted", ep)
				return nil, newTrustFailureStatus(fmt.Sprintf("%s %s", SSLTrustFailure, ep), err, certs)
			}
		}

		message := fmt.Sprintf("%s SSL handshake with %s failed: %s", CannotConnect, ep, err)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			l.Debugf("tls handshake with %s timed out", ep)
			return nil, newFailedStatus(message, err)
		}

		// any other handshake failure is an ssl problem with nothing to trust
		l.Infof("tls handshake with %s failed: %s", ep, err)
		return nil, newTrustFailureStatus(message, err, nil)
	}

	return tlsCxn, nil
}

func newClientTLSConfig(ssl SSLProperties, trust TrustManager, localPath, host string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
		// chain checking is done by the trust manager so that refused
		// certificates can be reported and accepted later
		InsecureSkipVerify: true,
	}

	if ssl.KeyStorePath != "" {
		path := ssl.KeyStorePath
		if !filepath.IsAbs(path) && localPath != "" {
			path = filepath.Join(localPath, path)
		}
		ks, err := LoadKeyStore(path, ssl.KeyStorePassword)
		if err != nil {
			return nil, err
		}

		if adder, ok := trust.(certificateAdder); ok {
			adder.AddCertificates(ks.Certificates...)
		}

		cert, ok, err := ks.ClientCertificate()
		if err != nil {
			return nil, err
		}
		if ok {
			cfg.Certificates = []tls.Certificate{cert}
		}
	}

	if trust != nil {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return trust.VerifyPeerCertificate(host, rawCerts)
		}
	}

	return cfg, nil
}

func dialFailureMessage(ep endpoint, err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("%s Unknown host %s.", CannotConnect, ep.host)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Sprintf("%s Connection refused by %s.", CannotConnect, ep)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Sprintf("%s Timed out connecting to %s.", CannotConnect, ep)
		}
		return fmt.Sprintf("%s Unable to reach %s: %s", CannotConnect, ep, err)
	}
}
