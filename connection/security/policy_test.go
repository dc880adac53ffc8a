package security

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrictValidatesTheCertificateChain(t *testing.T) {
	options := ForLevel(Strict)

	require.NotNil(t, options)
	assert.True(t, options.ValidatesCertificateChain)
	assert.False(t, options.AllowsExpiredCertificates)
	assert.False(t, options.AllowsExpiredRoots)
	assert.False(t, options.AllowsAnyRoot)
	assert.Nil(t, options.PeerName)
}

func TestLenientAcceptsAnyChain(t *testing.T) {
	options := ForLevel(Lenient)

	require.NotNil(t, options)
	assert.False(t, options.ValidatesCertificateChain)
	assert.True(t, options.AllowsExpiredCertificates)
	assert.True(t, options.AllowsExpiredRoots)
	assert.True(t, options.AllowsAnyRoot)
	assert.Nil(t, options.PeerName)
}

func TestCleartextHasNoOptionSet(t *testing.T) {
	assert.Nil(t, ForLevel(Cleartext))
}

func TestPortFollowsTheLevel(t *testing.T) {
	assert.Equal(t, 443, Strict.Port())
	assert.Equal(t, 443, Lenient.Port())
	assert.Equal(t, 80, Cleartext.Port())
}

func TestTLSConfigRendering(t *testing.T) {
	tests := []struct {
		name         string
		level        Level
		skipVerify   bool
		expectConfig bool
	}{
		{name: "strict verifies", level: Strict, skipVerify: false, expectConfig: true},
		{name: "lenient skips verification", level: Lenient, skipVerify: true, expectConfig: true},
		{name: "cleartext has no config", level: Cleartext, expectConfig: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := ForLevel(tt.level).TLSConfig("origin.example")

			if !tt.expectConfig {
				assert.Nil(t, conf)
				return
			}

			require.NotNil(t, conf)
			assert.Equal(t, "origin.example", conf.ServerName)
			assert.Equal(t, tt.skipVerify, conf.InsecureSkipVerify)
			assert.Equal(t, uint16(tls.VersionTLS10), conf.MinVersion)
		})
	}
}

func TestPeerNamePinningOverridesServerName(t *testing.T) {
	pinned := "pinned.example"
	options := ForLevel(Strict)
	options.PeerName = &pinned

	conf := options.TLSConfig("origin.example")

	assert.Equal(t, pinned, conf.ServerName)
}
