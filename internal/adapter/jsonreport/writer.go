package jsonreport

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bytemomo/sonar/internal/recon"
)

// Writer stores reports below OutDir.
type Writer struct {
	OutDir string // e.g., ./sonar-results
}

func New(out string) *Writer { return &Writer{OutDir: out} }

// Save writes one report to <OutDir>/runs/<target>_<unix>.json.
func (w *Writer) Save(rep *recon.Report) (string, error) {
	dir := filepath.Join(w.OutDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d.json", fileSafe(rep.Target.Addr.String()), rep.StartedAt.Unix())
	path := filepath.Join(dir, name)
	return path, writeJSON(path, rep)
}

// Aggregate writes every report into <OutDir>/sonar.json.
func (w *Writer) Aggregate(all []*recon.Report) (string, error) {
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.OutDir, "sonar.json")
	return path, writeJSON(path, struct {
		Version string          `json:"version"`
		Reports []*recon.Report `json:"reports"`
	}{
		Version: recon.ReportVersion,
		Reports: all,
	})
}

// Encode writes v as indented JSON.
func Encode(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fileSafe keeps IPv6 colons and zones out of file names.
func fileSafe(s string) string {
	return strings.NewReplacer(":", "_", "%", "_", "/", "_").Replace(s)
}
