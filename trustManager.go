package dstore_client

import (
	"crypto/x509"
	"fmt"
	"sync"
)

type (
	// TrustManager decides whether the certificate chain presented by a
	// daemon or server at host is trusted. When it refuses a chain it must
	// keep the presented certificates so the caller can offer to trust them.
	TrustManager interface {
		VerifyPeerCertificate(host string, rawCerts [][]byte) error
		UntrustedCertificates() []*x509.Certificate
	}

	UntrustedCertificateError struct {
		Certificates []*x509.Certificate
		Err          error
	}

	// KeyStoreTrustManager trusts a peer certificate that was loaded from a
	// key store or accepted by the user, whatever host presents it. Any
	// other chain must verify against the system roots plus those
	// certificates and must be issued for the host.
	KeyStoreTrustManager struct {
		mu        sync.Mutex
		accepted  []*x509.Certificate
		roots     *x509.CertPool
		untrusted []*x509.Certificate
	}
)

func (e *UntrustedCertificateError) Error() string {
	return fmt.Sprintf("untrusted certificate chain (%d certificates): %s", len(e.Certificates), e.Err)
}

func (e *UntrustedCertificateError) Unwrap() error {
	return e.Err
}

func NewKeyStoreTrustManager() *KeyStoreTrustManager {
	tm := &KeyStoreTrustManager{}
	tm.roots = tm.newPoolLocked()
	return tm
}

func (tm *KeyStoreTrustManager) newPoolLocked() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, cert := range tm.accepted {
		pool.AddCert(cert)
	}
	return pool
}

// AddCertificates trusts the specified certificates from now on.
func (tm *KeyStoreTrustManager) AddCertificates(certs ...*x509.Certificate) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, cert := range certs {
		known := false
		for _, existing := range tm.accepted {
			if existing.Equal(cert) {
				known = true
				break
			}
		}
		if !known {
			tm.accepted = append(tm.accepted, cert)
			tm.roots.AddCert(cert)
		}
	}
}

// Reset forgets the certificates of the last refused chain.
func (tm *KeyStoreTrustManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.untrusted = nil
}

func (tm *KeyStoreTrustManager) VerifyPeerCertificate(host string, rawCerts [][]byte) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.untrusted = nil

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("unable to parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return fmt.Errorf("peer presented no certificate")
	}

	for _, accepted := range tm.accepted {
		if accepted.Equal(certs[0]) {
			return nil
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         tm.roots,
		Intermediates: intermediates,
		DNSName:       host,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		tm.untrusted = certs
		return &UntrustedCertificateError{Certificates: certs, Err: err}
	}
	return nil
}

func (tm *KeyStoreTrustManager) UntrustedCertificates() []*x509.Certificate {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	certs := make([]*x509.Certificate, len(tm.untrusted))
	copy(certs, tm.untrusted)
	return certs
}
