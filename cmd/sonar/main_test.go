package main

import (
	"os"
	"path/filepath"
	"testing"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/recon"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseVariants(t *testing.T) {
	tcp := []domain.PortSpec{{Port: 22, Protocol: domain.TCP}}
	mixed := append(tcp, domain.PortSpec{Port: 53, Protocol: domain.UDP})

	v, ports, err := chooseVariants("auto", mixed, true)
	require.NoError(t, err)
	assert.Equal(t, []domain.ScanVariant{domain.VariantSYN, domain.VariantUDP}, v)
	assert.Equal(t, mixed, ports)

	v, ports, err = chooseVariants("auto", mixed, false)
	require.NoError(t, err)
	assert.Equal(t, []domain.ScanVariant{domain.VariantConnect}, v)
	assert.Equal(t, tcp, ports)

	_, _, err = chooseVariants("auto", mixed[1:], false)
	assert.Error(t, err)

	v, _, err = chooseVariants("SYN, connect", tcp, false)
	require.NoError(t, err)
	assert.Equal(t, []domain.ScanVariant{domain.VariantSYN, domain.VariantConnect}, v)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sonar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("handles: 8\nlog:\n  level: warn\n"), 0o644))

	cfg, err := loadConfig(options{configPath: path, raw: "off", logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Handles)
	assert.Equal(t, domain.RawOff, cfg.Raw)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = loadConfig(options{raw: "sometimes"})
	assert.ErrorIs(t, err, sonarerr.ErrConfig)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(&recon.Report{Status: "completed"}))
	assert.Equal(t, 2, exitCode(&recon.Report{Status: "completed_with_errors"}))
	assert.Equal(t, 1, exitCode(&recon.Report{Status: "failed"}))
	assert.Equal(t, 1, exitCode(&recon.Report{Status: "cancelled"}))
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a,,b ,"))
	assert.Nil(t, splitCSV(""))
}
