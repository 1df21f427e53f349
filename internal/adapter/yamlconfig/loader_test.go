package yamlconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadEngineConfigMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SONAR_TEST_LEVEL", "debug")
	writeFile(t, dir, "engine.yaml", `
log:
  level: ${SONAR_TEST_LEVEL}
scan:
  timeout: 250ms
  retries: 1
  udp_no_response: filtered
  throttle:
    initial: 2
    ceiling: 8
    increase_after: 4
    decrease_after: 2
    decrease_factor: 0.5
fingerprint:
  tcp: true
  icmp: false
  udp: true
  clock_skew: false
  banner: true
`)

	cfg, err := NewLoader(dir).LoadEngineConfig("engine.yaml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Scan.Timeout)
	assert.Equal(t, 1, cfg.Scan.Retries)
	assert.Equal(t, domain.UDPFiltered, cfg.Scan.UDPNoResponse)
	assert.Equal(t, 8, cfg.Scan.Throttle.Ceiling)
	assert.False(t, cfg.Fingerprint.ICMP)
	// untouched sections keep their defaults
	assert.Equal(t, 2.0, cfg.Scan.Backoff)
	assert.Equal(t, 4096, cfg.Service.MaxBanner)
}

func TestLoadEngineConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "scan:\n  udp_no_response: sometimes\n")

	_, err := NewLoader(dir).LoadEngineConfig("bad.yaml")
	require.Error(t, err)
	assert.Equal(t, sonarerr.Config, sonarerr.KindOf(err))

	writeFile(t, dir, "unknown.yaml", "scna:\n  timeout: 1s\n")
	_, err = NewLoader(dir).LoadEngineConfig("unknown.yaml")
	assert.Error(t, err)

	_, err = NewLoader(dir).LoadEngineConfig("missing.yaml")
	assert.Error(t, err)
}

func TestLoadSignaturesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
version: 1
signatures:
  - id: linux
    kind: os
    name: Linux
    predicates:
      - feature: ip.ttl
        expect: 64
        tolerance: 2
`)
	writeFile(t, dir, "b.json", `[{"id": "ssh", "kind": "service", "name": "ssh",
  "predicates": [{"feature": "banner.tokens", "contains": ["openssh"]}]}]`)
	writeFile(t, dir, "notes.txt", "ignored")

	sigs, err := NewLoader("").LoadSignatures(dir)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, "linux", sigs[0].ID)
	require.NotNil(t, sigs[0].Predicates[0].Expect)
	assert.Equal(t, domain.Num(64), *sigs[0].Predicates[0].Expect)
	assert.Equal(t, 2.0, sigs[0].Predicates[0].Tolerance)

	assert.Equal(t, "ssh", sigs[1].ID)
	assert.Equal(t, []string{"openssh"}, sigs[1].Predicates[0].Contains)
}

func TestDecodeSignaturesMalformed(t *testing.T) {
	_, err := DecodeSignatures([]byte("signatures: [ {id: x"))
	require.Error(t, err)
	assert.Equal(t, sonarerr.Parse, sonarerr.KindOf(err))

	sigs, err := DecodeSignatures(nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}
