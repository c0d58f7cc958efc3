package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cert := &Certificate{Public: "rq:rM>}U?@Lns47E1%kR.o@n%FcmmsL/@{H8]yf7", Secret: "JTKVSB%%)wK0E.X)V>+}o?pNmC{O&4W4b!Ni{Lh6"}
	require.NoError(t, cert.Save(dir, "broker"))

	got, err := LoadCertificate(filepath.Join(dir, PrivateKeysDir, "broker.key_secret"))
	require.NoError(t, err)
	assert.Equal(t, cert.Public, got.Public)
	assert.Equal(t, cert.Secret, got.Secret)

	public, err := LoadCertificate(filepath.Join(dir, PublicKeysDir, "broker.key"))
	require.NoError(t, err)
	assert.Equal(t, cert.Public, public.Public)
	assert.Empty(t, public.Secret)
}

func TestLoadCertificateMissingPublic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("secret-key = \"x\"\n"), 0o600))
	_, err := LoadCertificate(path)
	assert.Error(t, err)
}

func TestSavePublicOnly(t *testing.T) {
	dir := t.TempDir()
	cert := &Certificate{Public: "abc"}
	require.NoError(t, cert.Save(dir, "client"))
	_, err := os.Stat(filepath.Join(dir, PrivateKeysDir, "client.key_secret"))
	assert.True(t, os.IsNotExist(err))
}
