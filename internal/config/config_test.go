package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, "rayan", cfg.Wallet.Account)
	require.Equal(t, RemoteNone, cfg.Wallet.Remote.Kind)
	require.Equal(t, 30*time.Second, cfg.LockTTL())
	require.Equal(t, 50*time.Millisecond, cfg.StoreBackoff())
	require.Equal(t, "@weekly", cfg.Cleanup.Schedule)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("data_dir: /srv/portline\nwallet:\n  remote:\n    kind: redis\n    redis:\n      addr: localhost:6379\n"))
	require.NoError(t, err)
	require.Equal(t, "/srv/portline", cfg.DataDir)
	require.Equal(t, RemoteRedis, cfg.Wallet.Remote.Kind)
	require.Equal(t, "portline:wallet", cfg.Wallet.Remote.Redis.Key)
	require.Equal(t, 5*time.Second, cfg.FetchTimeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad kind":      "wallet:\n  remote:\n    kind: ftp\n",
		"file no path":  "wallet:\n  remote:\n    kind: file\n",
		"gist no id":    "wallet:\n  remote:\n    kind: gist\n",
		"s3 no bucket":  "wallet:\n  remote:\n    kind: s3\n    s3:\n      endpoint: localhost:9000\n",
		"negative ttl":  "locks:\n  ttl_seconds: -1\n",
		"bad env":       "env: staging\n",
		"empty datadir": "data_dir: \"\"\n",
		"no account":    "wallet:\n  account: \"\"\n  remote:\n    kind: file\n    path: /tmp/w.json\n",
		"slow fetch":    "wallet:\n  fetch_timeout_ms: 30000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			require.Error(t, err)
		})
	}
	cfg, err := FromYAML([]byte("wallet:\n  fetch_timeout_ms: 2000\n"))
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.FetchTimeout())

	_, err = FromYAML([]byte("data_dir: [\n"))
	require.ErrorContains(t, err, "invalid config yaml")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "data", cfg.DataDir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("data_dir: elsewhere\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "elsewhere", cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "portline.yml"), Path(dir))
}
