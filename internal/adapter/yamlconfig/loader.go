package yamlconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/pkg/sonarerr"

	"gopkg.in/yaml.v3"
)

// Loader reads engine configuration and signature files relative to a base
// directory.
type Loader struct {
	basePath string
}

// NewLoader creates a loader rooted at basePath ("." when empty).
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{basePath: basePath}
}

// LoadEngineConfig decodes path over DefaultEngineConfig and validates the
// result. Environment variables in the file are expanded first.
func (l *Loader) LoadEngineConfig(path string) (*domain.EngineConfig, error) {
	fullPath := l.resolvePath(path)
	data, err := l.readFile(fullPath)
	if err != nil {
		return nil, sonarerr.E(sonarerr.Config, "config", "read "+fullPath, err)
	}

	cfg := domain.DefaultEngineConfig()
	dec := yaml.NewDecoder(bytes.NewReader(expandEnvVars(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, sonarerr.E(sonarerr.Config, "config", "parse "+fullPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for %s: %w", fullPath, err)
	}
	return &cfg, nil
}

// signatureFile is the on-disk layout of a signature corpus. A bare list of
// signatures is accepted as well.
type signatureFile struct {
	Version    int                `yaml:"version"`
	Signatures []domain.Signature `yaml:"signatures"`
}

// DecodeSignatures parses YAML or JSON signature records.
func DecodeSignatures(data []byte) ([]domain.Signature, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, sonarerr.E(sonarerr.Parse, "signatures", "", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind == yaml.SequenceNode {
		var sigs []domain.Signature
		if err := doc.Decode(&sigs); err != nil {
			return nil, sonarerr.E(sonarerr.Parse, "signatures", "", err)
		}
		return sigs, nil
	}
	var f signatureFile
	if err := doc.Decode(&f); err != nil {
		return nil, sonarerr.E(sonarerr.Parse, "signatures", "", err)
	}
	return f.Signatures, nil
}

// LoadSignatures reads every signature file at path. A directory is walked
// for *.yaml, *.yml and *.json in name order.
func (l *Loader) LoadSignatures(path string) ([]domain.Signature, error) {
	fullPath := l.resolvePath(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, sonarerr.E(sonarerr.Config, "signatures", "stat "+fullPath, err)
	}
	files := []string{fullPath}
	if info.IsDir() {
		files, err = findFilesByPattern(fullPath, "*.yaml", "*.yml", "*.json")
		if err != nil {
			return nil, sonarerr.E(sonarerr.Config, "signatures", "glob "+fullPath, err)
		}
	}

	var out []domain.Signature
	for _, f := range files {
		data, err := l.readFile(f)
		if err != nil {
			return nil, sonarerr.E(sonarerr.Config, "signatures", "read "+f, err)
		}
		sigs, err := DecodeSignatures(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		out = append(out, sigs...)
	}
	return out, nil
}

func (l *Loader) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}

func (l *Loader) readFile(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	return os.ReadFile(path)
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

func findFilesByPattern(dir string, patterns ...string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return files, nil
}
