package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/orderguard/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.State.Dir = filepath.Join(dir, "state")
	cfg.Journal.DBPath = filepath.Join(dir, "journal.sqlite")
	cfg.Reconcile.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Logging.Output = filepath.Join(dir, "orderguard.log")
	cfg.Notify.Websocket = false
	path := filepath.Join(dir, "orderguard.yaml")
	require.NoError(t, cfg.SaveToFile(path))
	return dir, path
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "orderguard dev\n", out)
}

func TestConfigInitAndValidate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "og.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created "+path)

	out, err = execute(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "BTCUSDT, ETHUSDT")

	bad := writeFile(t, t.TempDir(), "bad.yaml", "symbols: [\n")
	_, err = execute(t, "config", "validate", "-f", bad)
	assert.ErrorContains(t, err, "validation failed")
}

func TestBadLogLevel(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}

func TestRunThenInspect(t *testing.T) {
	t.Parallel()
	dir, cfgPath := writeConfig(t)

	ticks := writeFile(t, dir, "ticks.csv", `time,symbol,price
2026-01-24T12:00:00Z,BTCUSDT,50000
2026-01-24T12:00:30Z,BTCUSDT,50050
2026-01-24T12:01:00Z,BTCUSDT,50600
`)
	signals := writeFile(t, dir, "signals.csv", `time,symbol,side,timeframe,entry_hint
2026-01-24T12:00:00Z,BTCUSDT,BUY,15m,50000
`)

	out, err := execute(t, "--config", cfgPath, "run", "--ticks", ticks, "--signals", signals)
	require.NoError(t, err)
	assert.Contains(t, out, "3 rows")
	assert.Contains(t, out, "trades 1, wins 1, losses 0")
	assert.Contains(t, out, ":REASON: take_profit")

	out, err = execute(t, "--config", cfgPath, "state", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "BTCUSDT")

	out, err = execute(t, "--config", cfgPath, "state", "show", "BTCUSDT")
	require.NoError(t, err)
	assert.Contains(t, out, `"symbol": "BTCUSDT"`)
	assert.Contains(t, out, `"position": null`)

	out, err = execute(t, "--config", cfgPath, "journal", "day", "2026-01-24")
	require.NoError(t, err)
	assert.Contains(t, out, "1 trades, 1 wins")

	out, err = execute(t, "--config", cfgPath, "state", "prune", "--retention", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned ")

	_, err = execute(t, "--config", cfgPath, "journal", "day", "24/01/2026")
	assert.ErrorContains(t, err, "date")
}

func TestRunRequiresTicks(t *testing.T) {
	t.Parallel()
	_, cfgPath := writeConfig(t)
	_, err := execute(t, "--config", cfgPath, "run")
	assert.ErrorContains(t, err, "ticks")
}
