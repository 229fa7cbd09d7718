// internal/creds/store_test.go
package creds

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	in := Credential{Username: "admin", Password: "s3cret!"}
	require.NoError(t, s.Save("prism", "passphrase", in))

	out, err := s.Load("prism", "passphrase")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStore_WrongPassphrase(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Save("prism", "correct", Credential{Username: "admin", Password: "x"}))

	_, err := s.Load("prism", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong passphrase")
}

func TestStore_NotFound(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Load("missing", "whatever")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Save("vcenter", "p", Credential{Username: "a", Password: "b"}))

	// Corrupt the magic.
	path := s.path("vcenter")
	data := []byte("GARBAGE-not-a-cred-file")
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err := s.Load("vcenter", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a credential file")
}
