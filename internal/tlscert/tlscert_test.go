// ABOUTME: Tests for self-signed certificate provisioning and loading
// ABOUTME: Writes pairs into a temp dir and parses them back

package tlscert

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePair_CreatesOnce(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "flowlink.crt")
	keyPath := filepath.Join(dir, "certs", "flowlink.key")

	created, err := EnsurePair(certPath, keyPath, []string{"flowlink.local", "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, created)

	first, err := os.ReadFile(certPath)
	require.NoError(t, err)

	created, err = EnsurePair(certPath, keyPath, nil)
	require.NoError(t, err)
	assert.False(t, created, "existing pair is left alone")

	second, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	block, _ := pem.Decode(first)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Contains(t, cert.DNSNames, "flowlink.local")
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())

	cfg, err := LoadServerConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestEnsurePair_HalfPresent(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "flowlink.crt")
	require.NoError(t, os.WriteFile(certPath, []byte("x"), 0644))

	_, err := EnsurePair(certPath, filepath.Join(dir, "flowlink.key"), nil)
	assert.Error(t, err)
}

func TestLoadServerConfig_Missing(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/a.crt", "/nonexistent/a.key")
	assert.Error(t, err)
}

func TestLoadClientConfig_TrustsPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "flowlink.crt")
	keyPath := filepath.Join(dir, "flowlink.key")
	_, err := EnsurePair(certPath, keyPath, []string{"127.0.0.1", "localhost"})
	require.NoError(t, err)

	serverCfg, err := LoadServerConfig(certPath, keyPath)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	// Without the pair in the pool verification fails.
	_, err = (&http.Client{}).Get(srv.URL)
	require.Error(t, err)

	clientCfg, err := LoadClientConfig(certPath)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadClientConfig_Errors(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/a.crt")
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "bad.crt")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0644))
	_, err = LoadClientConfig(notPEM)
	assert.Error(t, err)
}
