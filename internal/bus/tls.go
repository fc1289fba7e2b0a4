// internal/bus/tls.go
package bus

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/bananabit-dev/bevygap/internal/config"
)

// TLSConfig builds the bus TLS configuration from the trust-mode settings.
//
// Selection order: explicit CA contents beat an explicit CA file, which beats
// the system trust store. Insecure mode returns nil, disabling TLS entirely;
// it exists for local development against a plaintext Redis.
func TLSConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.BusInsecure {
		return nil, nil
	}

	var caPEM []byte
	switch {
	case cfg.BusCAContents != "":
		caPEM = []byte(cfg.BusCAContents)
	case cfg.BusCAFile != "":
		data, err := os.ReadFile(cfg.BusCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file %s: %w", cfg.BusCAFile, err)
		}
		caPEM = data
	default:
		// System trust store.
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in configured CA")
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}
