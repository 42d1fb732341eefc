package auth

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTripAndClear(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "data", "session.json"))

	_, err := st.Load()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, st.Save(Session{Token: "tok", User: User{ID: "u1", Username: "alice"}}))
	sess, err := st.Load()
	require.NoError(t, err)
	require.Equal(t, "tok", sess.Token)
	require.Equal(t, "alice", sess.User.Username)
	require.False(t, sess.SignedIn.IsZero())

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(st.Path())
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}

	require.NoError(t, st.Clear())
	require.NoError(t, st.Clear())
	_, err = st.Load()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStoreRejectsIncompleteSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	st := NewStore(path)

	require.Error(t, st.Save(Session{Token: "tok"}))
	require.Error(t, st.Save(Session{User: User{ID: "u1"}}))

	require.NoError(t, os.WriteFile(path, []byte(`{"token":"  ","user":{"id":"u1"}}`), 0o600))
	_, err := st.Load()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = st.Load()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoSession)
}
