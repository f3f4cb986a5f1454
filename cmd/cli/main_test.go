package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWSURL(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/ws", wsURL("http://localhost:8080"))
	require.Equal(t, "wss://chat.example.com/ws", wsURL("https://chat.example.com"))
}

func TestTokenRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	exp := time.Now().Add(time.Hour)
	require.NoError(t, saveToken("tok", "alice", exp))

	tf, err := loadToken()
	require.NoError(t, err)
	require.Equal(t, "tok", tf.AccessToken)
	require.Equal(t, "alice", tf.Username)
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	require.NoError(t, saveToken("tok", "alice", time.Now().Add(-time.Minute)))

	_, err := loadToken()
	require.Error(t, err)
}
