/*
Package security computes the stream security settings for each security
level. The connection does not re-derive settings per handshake; it rebuilds
the option set whenever its level changes.
*/
package security

import (
	"crypto/tls"
)

// Level is how much protection the connection currently negotiates.
type Level int

const (
	// Strict performs a TLS handshake with full certificate validation
	Strict Level = iota

	// Lenient performs a TLS handshake but accepts any certificate chain
	Lenient

	// Cleartext skips TLS entirely
	Cleartext
)

func (l Level) String() string {
	switch l {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	case Cleartext:
		return "cleartext"
	}
	return "unknown"
}

// Port returns the origin port used at this level.
func (l Level) Port() int {
	if l == Cleartext {
		return 80
	}
	return 443
}

// Secure reports whether this level performs a TLS handshake at all.
func (l Level) Secure() bool {
	return l != Cleartext
}

// Options is the SSL option set applied to the stream pair. There is no
// option set at the Cleartext level.
type Options struct {
	// Legacy-compatible handshake floor, to interoperate with origins that
	// still negotiate down from old clients
	Version uint16

	ValidatesCertificateChain bool
	AllowsExpiredCertificates bool
	AllowsExpiredRoots        bool
	AllowsAnyRoot             bool

	// PeerName pins the expected peer; nil means no pinning
	PeerName *string
}

// ForLevel builds the option set for a level, or nil when the level does not
// use TLS.
func ForLevel(level Level) *Options {
	switch level {
	case Strict:
		return &Options{
			Version:                   tls.VersionTLS10,
			ValidatesCertificateChain: true,
			AllowsExpiredCertificates: false,
			AllowsExpiredRoots:        false,
			AllowsAnyRoot:             false,
			PeerName:                  nil,
		}
	case Lenient:
		return &Options{
			Version:                   tls.VersionTLS10,
			ValidatesCertificateChain: false,
			AllowsExpiredCertificates: true,
			AllowsExpiredRoots:        true,
			AllowsAnyRoot:             true,
			PeerName:                  nil,
		}
	default:
		return nil
	}
}

// TLSConfig renders the option set into the handshake configuration for the
// given origin.
func (o *Options) TLSConfig(origin string) *tls.Config {
	if o == nil {
		return nil
	}

	conf := &tls.Config{
		MinVersion: o.Version,
		ServerName: origin,
	}

	if o.PeerName != nil {
		conf.ServerName = *o.PeerName
	}

	// Relaxed validation accepts any chain the origin presents, expired or
	// self-signed included
	if !o.ValidatesCertificateChain {
		conf.InsecureSkipVerify = true
	}

	return conf
}
