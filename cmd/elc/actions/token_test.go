package actions

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/cmd/elc/flags"
)

func writeKeys(t *testing.T) (private, public string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	private = filepath.Join(dir, "jwt.pem")
	public = filepath.Join(dir, "jwt.pub")
	require.NoError(t, ioutil.WriteFile(private, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0600))
	require.NoError(t, ioutil.WriteFile(public, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}), 0600))
	return private, public
}

func authContext(t *testing.T, args ...string) *cli.Context {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags.Auth {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestReadJwtKeys(t *testing.T) {
	private, public := writeKeys(t)

	t.Run("requires a key", func(t *testing.T) {
		assert.Error(t, readJwtKeys(authContext(t)))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Error(t, readJwtKeys(authContext(t, "--jwt.publickey", filepath.Join(t.TempDir(), "nope"))))
	})

	t.Run("private key can sign", func(t *testing.T) {
		require.NoError(t, readJwtKeys(authContext(t, "--jwt.privatekey", private, "--jwt.publickey", public)))
		token, err := auth.CreateJwt(7, auth.Admin, auth.DefaultTokenTTL)
		require.NoError(t, err)
		assert.Contains(t, token, "Bearer ")
	})
}
