package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bytemomo/sonar/internal/adapter/jsonreport"
	"bytemomo/sonar/internal/adapter/logger"
	"bytemomo/sonar/internal/adapter/yamlconfig"
	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/internal/recon"
	"bytemomo/sonar/pkg/sonarerr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

type options struct {
	targets     string
	ports       string
	variants    string
	configPath  string
	sigPath     string
	outDir      string
	raw         string
	logLevel    string
	logFile     string
	structured  bool
	active      bool
	noFP        bool
	noServices  bool
	workers     int
	arpIface    string
	metricsAddr string
	info        bool
}

func main() {
	var o options
	flag.StringVar(&o.targets, "target", "", "Comma-separated hosts or addresses to scan (required)")
	flag.StringVar(&o.ports, "ports", "21,22,25,53,80,443,1883,8080,U:53,U:123", "Port list, e.g. 22,80-90,U:53")
	flag.StringVar(&o.variants, "variants", "auto", "Scan techniques: auto or a list of syn,connect,udp")
	flag.StringVar(&o.configPath, "config", "", "Engine configuration YAML")
	flag.StringVar(&o.sigPath, "signatures", "", "Extra signature file or directory")
	flag.StringVar(&o.outDir, "out", "", "Output directory for JSON reports (stdout when empty)")
	flag.StringVar(&o.raw, "raw", "", "Raw socket mode: auto, on or off (overrides config)")
	flag.StringVar(&o.logLevel, "log-level", "", "Log level (overrides config)")
	flag.StringVar(&o.logFile, "log-file", "", "Also write structured logs to this file")
	flag.BoolVar(&o.structured, "structured", false, "Log JSON lines instead of text")
	flag.BoolVar(&o.active, "active", false, "Send the malformed active fingerprint probes")
	flag.BoolVar(&o.noFP, "no-fingerprint", false, "Skip OS fingerprinting")
	flag.BoolVar(&o.noServices, "no-services", false, "Skip service detection")
	flag.IntVar(&o.workers, "service-workers", 4, "Concurrent service detections per host")
	flag.StringVar(&o.arpIface, "arp", "", "Interface for on-link ARP discovery")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")
	flag.BoolVar(&o.info, "info", false, "Print signature database information and exit")
	versionFlag := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sonar v%s (%s)\n", version, commit)
		return
	}
	if o.targets == "" && !o.info {
		fmt.Fprintf(os.Stderr, "Error: --target is required\n\n")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	log := logger.FromConfig(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logrus.NewEntry(log), cfg, o)
	if err != nil {
		log.WithError(err).Error("Sonar failed")
	}
	os.Exit(code)
}

// loadConfig merges the config file, if any, with command line overrides.
func loadConfig(o options) (domain.EngineConfig, error) {
	cfg := domain.DefaultEngineConfig()
	if o.configPath != "" {
		loaded, err := yamlconfig.NewLoader(filepath.Dir(o.configPath)).LoadEngineConfig(filepath.Base(o.configPath))
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if o.raw != "" {
		cfg.Raw = domain.RawMode(o.raw)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFile != "" {
		cfg.Log.File = o.logFile
	}
	if o.structured {
		cfg.Log.Structured = true
	}
	if o.sigPath != "" {
		cfg.Signatures.Path = o.sigPath
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, log *logrus.Entry, cfg domain.EngineConfig, o options) (int, error) {
	log.WithField("version", version).Info("Starting sonar")

	opts := []recon.Option{}
	if o.arpIface != "" {
		opts = append(opts, recon.WithARPInterface(o.arpIface))
	}
	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, recon.WithRegisterer(reg))
		stopMetrics, err := serveMetrics(log, o.metricsAddr, reg)
		if err != nil {
			return 1, err
		}
		defer stopMetrics()
	}

	engine, err := recon.New(ctx, log, cfg, opts...)
	if err != nil {
		return 1, err
	}
	defer engine.Close()

	if o.info {
		return 0, jsonreport.Encode(os.Stdout, engine.DatabaseInfo())
	}

	ports, err := domain.ParsePortSpecs(o.ports)
	if err != nil {
		return 2, err
	}
	variants, scanPorts, err := chooseVariants(o.variants, ports, engine.RawAvailable())
	if err != nil {
		return 2, err
	}
	if len(scanPorts) < len(ports) {
		log.WithField("dropped", len(ports)-len(scanPorts)).Warn("UDP ports need raw sockets, skipping them")
	}

	plan := recon.Plan{
		Fingerprint:    !o.noFP && engine.RawAvailable(),
		Active:         o.active,
		Services:       !o.noServices,
		ServiceWorkers: o.workers,
	}
	if !o.noFP && !engine.RawAvailable() {
		log.Warn("OS fingerprinting needs raw sockets, skipping")
	}

	var reports []*recon.Report
	worst := 0
	for _, host := range splitCSV(o.targets) {
		target, err := domain.ResolveTarget(ctx, host)
		if err != nil {
			log.WithError(err).WithField("host", host).Error("Could not resolve target")
			worst = max(worst, 1)
			continue
		}
		job := domain.ScanJob{Target: target, Ports: scanPorts, Variants: variants}
		rep, err := recon.NewPipeline(log, engine, plan).Run(ctx, job)
		reports = append(reports, rep)
		worst = max(worst, exitCode(rep))
		if err != nil && sonarerr.KindOf(err) == sonarerr.Cancelled {
			log.Warn("Interrupted, writing partial results")
			break
		}
		printSummary(rep)
	}

	if err := save(log, o.outDir, reports); err != nil {
		return 1, err
	}
	return worst, nil
}

// chooseVariants resolves "auto" to SYN and UDP when raw sockets are usable
// and to connect scans otherwise. Without raw sockets UDP ports are dropped.
func chooseVariants(arg string, ports []domain.PortSpec, raw bool) ([]domain.ScanVariant, []domain.PortSpec, error) {
	if arg != "auto" {
		var out []domain.ScanVariant
		for _, v := range splitCSV(arg) {
			out = append(out, domain.ScanVariant(strings.ToLower(v)))
		}
		return out, ports, nil
	}
	if raw {
		return []domain.ScanVariant{domain.VariantSYN, domain.VariantUDP}, ports, nil
	}
	var tcp []domain.PortSpec
	for _, p := range ports {
		if p.Protocol == domain.TCP {
			tcp = append(tcp, p)
		}
	}
	if len(tcp) == 0 {
		return nil, nil, errors.New("udp ports need raw sockets; add tcp ports or run with privileges")
	}
	return []domain.ScanVariant{domain.VariantConnect}, tcp, nil
}

func exitCode(rep *recon.Report) int {
	switch rep.Status {
	case "completed":
		return 0
	case "completed_with_errors":
		return 2
	}
	return 1
}

func save(log *logrus.Entry, outDir string, reports []*recon.Report) error {
	if outDir == "" {
		if len(reports) == 1 {
			return jsonreport.Encode(os.Stdout, reports[0])
		}
		return jsonreport.Encode(os.Stdout, reports)
	}
	w := jsonreport.New(outDir)
	for _, rep := range reports {
		path, err := w.Save(rep)
		if err != nil {
			return fmt.Errorf("save report for %s: %w", rep.Target, err)
		}
		log.WithField("path", path).Debug("Report written")
	}
	path, err := w.Aggregate(reports)
	if err != nil {
		return fmt.Errorf("aggregate reports: %w", err)
	}
	log.WithField("path", path).Info("Results saved")
	return nil
}

func serveMetrics(log *logrus.Entry, addr string, reg *prometheus.Registry) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Metrics server stopped")
		}
	}()
	log.WithField("addr", l.Addr().String()).Info("Serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func printSummary(rep *recon.Report) {
	fmt.Fprintln(os.Stderr, "\n"+strings.Repeat("=", 60))
	fmt.Fprintf(os.Stderr, "Target: %s\n", rep.Target)
	fmt.Fprintf(os.Stderr, "Status: %s\n", rep.Status)
	fmt.Fprintf(os.Stderr, "Duration: %s\n", rep.Duration.Round(time.Millisecond))

	if rep.Scan != nil {
		fmt.Fprintf(os.Stderr, "\nHOST: %s\n", rep.Scan.Host.State)
		for _, p := range rep.Scan.Ports {
			if p.State == domain.StateClosed {
				continue
			}
			fmt.Fprintf(os.Stderr, "  %-10s %-14s %s\n", p.Port, p.State, serviceLabel(rep, p.Port))
		}
	}

	if len(rep.OS) > 0 {
		fmt.Fprintf(os.Stderr, "\nOS GUESSES:\n")
		for i, m := range rep.OS {
			if i == 3 {
				break
			}
			fmt.Fprintf(os.Stderr, "  %-30s %.2f (%s)\n", m.Signature.Name, m.Score, m.Level)
		}
	}

	if len(rep.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "\nERRORS:\n")
		for i, e := range rep.Errors {
			if i == 5 {
				fmt.Fprintf(os.Stderr, "  - ... and %d more errors\n", len(rep.Errors)-5)
				break
			}
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
	}
	fmt.Fprintln(os.Stderr, strings.Repeat("=", 60))
}

func serviceLabel(rep *recon.Report, port domain.PortSpec) string {
	for _, sm := range rep.Services {
		if sm.Port != port {
			continue
		}
		label := sm.Name
		if sm.Product != "" {
			label += " " + sm.Product
		}
		if sm.Version != "" {
			label += " " + sm.Version
		}
		return label
	}
	return ""
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
