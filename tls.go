package realtime

import (
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// rootCAs is the pool WebSocketDialer trusts for wss:// URLs when it has no
// TLSConfig of its own. Built from the system pool on first use.
var rootCAs struct {
	sync.Mutex
	pool *x509.CertPool
}

// TLSCertPool returns the root CA pool used by WebSocketDialer. Certificates
// added with TLSAddRootCerts show up in it.
func TLSCertPool() *x509.CertPool {
	rootCAs.Lock()
	defer rootCAs.Unlock()
	if rootCAs.pool == nil {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		rootCAs.pool = pool
	}
	return rootCAs.pool
}

// TLSAddRootCerts trusts the PEM certificates in file for wss:// dials, for
// example a development CA.
func TLSAddRootCerts(file string) error {
	pem, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("realtime: root certs: %w", err)
	}
	pool := TLSCertPool()
	rootCAs.Lock()
	defer rootCAs.Unlock()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("realtime: no PEM certificates in %s", file)
	}
	return nil
}
