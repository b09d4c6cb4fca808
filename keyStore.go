package dstore_client

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

type (
	// KeyStore holds the certificates, and optionally the client key,
	// loaded from a PEM bundle or a PKCS#12 file.
	KeyStore struct {
		Certificates []*x509.Certificate
		certPEM      []byte
		keyPEM       []byte
	}
)

// LoadKeyStore opens a key store. Files ending in .p12 or .pfx are PKCS#12
// and are decrypted with password; anything else is read as PEM.
func LoadKeyStore(path, password string) (ks *KeyStore, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var blocks []*pem.Block
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		if blocks, err = pkcs12.ToPEM(data, password); err != nil {
			err = fmt.Errorf("unable to open key store %s: %w", path, err)
			return
		}
	default:
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
	}

	ks = &KeyStore{}
	for _, block := range blocks {
		switch {
		case block.Type == "CERTIFICATE":
			var cert *x509.Certificate
			if cert, err = x509.ParseCertificate(block.Bytes); err != nil {
				err = fmt.Errorf("bad certificate in key store %s: %w", path, err)
				ks = nil
				return
			}
			ks.Certificates = append(ks.Certificates, cert)
			ks.certPEM = append(ks.certPEM, pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes})...)

		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			ks.keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes})
		}
	}

	if len(ks.Certificates) == 0 {
		err = fmt.Errorf("key store %s holds no certificates", path)
		ks = nil
	}
	return
}

// ClientCertificate returns the key pair to present to the peer, if the
// key store has a private key.
func (ks *KeyStore) ClientCertificate() (cert tls.Certificate, ok bool, err error) {
	if ks.keyPEM == nil {
		return
	}
	if cert, err = tls.X509KeyPair(ks.certPEM, ks.keyPEM); err != nil {
		return
	}
	ok = true
	return
}
