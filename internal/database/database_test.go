package database

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"

	"github.com/fuomag9/linkrelay/internal/config"
)

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{})
	require.Error(t, err)
}

func TestMigrationsAreReadable(t *testing.T) {
	src, err := (&file.File{}).Open("file://../../migrations")
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	require.Equal(t, uint(1), version)

	up, _, err := src.ReadUp(version)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS linking_codes")
	require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS identity_links")

	down, _, err := src.ReadDown(version)
	require.NoError(t, err)
	down.Close()
}
