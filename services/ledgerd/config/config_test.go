package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Setenv("LEDGERD_DSN", "postgres://ledger@localhost/ledger")
	path := writeFile(t, "ledgerd.yaml", `
listen: ":9000"
database:
  dsn_env: LEDGERD_DSN
chain:
  endpoint: https://node.example
  keystore: /etc/ledgerd/platform.json
  poll_interval: 500ms
scanner:
  supervisor_grace: 2m
funding:
  welcome_amount: "0.25"
auth:
  jwt_secret: s3cret
  admin_token: admin
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://ledger@localhost/ledger", cfg.Database.DSN)
	require.Equal(t, 500*time.Millisecond, cfg.Chain.PollInterval.Duration)
	require.Equal(t, 2*time.Minute, cfg.Scanner.SupervisorGrace.Duration)
	require.Equal(t, time.Minute, cfg.Scanner.Interval.Duration)
	require.Equal(t, 10, cfg.Queues.ReprocessWorkers)
	require.Equal(t, 3, cfg.Provisioning.Attempts)
	require.Equal(t, "0.25", cfg.Funding.Welcome.String())
	require.Equal(t, "0.3", cfg.Funding.TopUp.String())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "ledgerd.toml", `
listen = ":9100"

[database]
driver = "sqlite"
dsn = "file:ledger.db"

[chain]
endpoint = "https://node.example"
keystore = "platform.json"
poll_interval = "3s"

[auth]
jwt_secret = "s3cret"
admin_token = "admin"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 3*time.Second, cfg.Chain.PollInterval.Duration)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `
database: {dsn: x}
chain: {keystore: k}
auth: {jwt_secret: s, admin_token: a}
`,
		"unknown driver": `
database: {driver: mysql, dsn: x}
chain: {endpoint: e, keystore: k}
auth: {jwt_secret: s, admin_token: a}
`,
		"negative amount": `
database: {dsn: x}
chain: {endpoint: e, keystore: k}
funding: {top_up_amount: "-1"}
auth: {jwt_secret: s, admin_token: a}
`,
		"empty env secret": `
database: {dsn: x}
chain: {endpoint: e, keystore: k}
auth: {jwt_secret_env: LEDGERD_UNSET_SECRET, admin_token: a}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "ledgerd.yaml", body))
			require.Error(t, err)
		})
	}
}
