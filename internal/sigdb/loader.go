package sigdb

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"bytemomo/sonar/internal/adapter/yamlconfig"
	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/pkg/sonarerr"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Loader produces the full signature corpus for one snapshot.
type Loader interface {
	Load(ctx context.Context) ([]domain.Signature, error)
	Source() string
}

// BuiltinLoader reads the corpus compiled into the binary.
type BuiltinLoader struct{}

func (BuiltinLoader) Source() string { return "builtin" }

func (BuiltinLoader) Load(ctx context.Context) ([]domain.Signature, error) {
	names, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, sonarerr.E(sonarerr.Config, "sigdb", "list builtin corpus", err)
	}
	sort.Strings(names)
	var out []domain.Signature
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, sonarerr.FromOS("sigdb", err)
		}
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, sonarerr.E(sonarerr.Config, "sigdb", "read "+name, err)
		}
		sigs, err := yamlconfig.DecodeSignatures(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, sigs...)
	}
	return out, nil
}

// FileLoader reads a YAML or JSON file, or every such file in a directory.
type FileLoader struct {
	Path   string
	loader *yamlconfig.Loader
}

// NewFileLoader resolves relative paths against the working directory.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path, loader: yamlconfig.NewLoader("")}
}

func (l *FileLoader) Source() string { return "file:" + l.Path }

func (l *FileLoader) Load(ctx context.Context) ([]domain.Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, sonarerr.FromOS("sigdb", err)
	}
	return l.loader.LoadSignatures(l.Path)
}

// StaticLoader serves a fixed slice.
type StaticLoader struct {
	Name       string
	Signatures []domain.Signature
}

func (l StaticLoader) Source() string {
	if l.Name == "" {
		return "static"
	}
	return l.Name
}

func (l StaticLoader) Load(context.Context) ([]domain.Signature, error) {
	out := make([]domain.Signature, len(l.Signatures))
	copy(out, l.Signatures)
	return out, nil
}

// MultiLoader concatenates several loaders in order. A duplicate ID across
// loaders fails validation like any other duplicate.
type MultiLoader []Loader

func (m MultiLoader) Source() string {
	parts := make([]string, len(m))
	for i, l := range m {
		parts[i] = l.Source()
	}
	return strings.Join(parts, "+")
}

func (m MultiLoader) Load(ctx context.Context) ([]domain.Signature, error) {
	var out []domain.Signature
	for _, l := range m {
		sigs, err := l.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Source(), err)
		}
		out = append(out, sigs...)
	}
	return out, nil
}

// FromConfig builds the loader chain a SignatureConfig describes.
func FromConfig(cfg domain.SignatureConfig) (Loader, error) {
	var m MultiLoader
	if cfg.IncludeBuiltin {
		m = append(m, BuiltinLoader{})
	}
	if cfg.Path != "" {
		m = append(m, NewFileLoader(cfg.Path))
	}
	switch len(m) {
	case 0:
		return nil, sonarerr.E(sonarerr.Config, "sigdb", "no signature source configured", nil)
	case 1:
		return m[0], nil
	}
	return m, nil
}
