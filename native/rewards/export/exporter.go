package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"meridian/native/rewards/audit"
	"meridian/observability/metrics"
)

// ErrNoEntries is returned when an export run finds no audit entries for the
// requested epoch.
var ErrNoEntries = errors.New("export: no audit entries for epoch")

const (
	csvFileName     = "settlements.csv"
	jsonlFileName   = "settlements.jsonl"
	parquetFileName = "settlements.parquet"
	manifestName    = "manifest.json"
)

// Report formats an exporter can be limited to.
const (
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// EpochDir returns the directory holding one epoch's report artefacts.
func EpochDir(outputDir string, epoch uint64) string {
	return filepath.Join(outputDir, fmt.Sprintf("epoch_%06d", epoch))
}

// ManifestPath returns the manifest location for one epoch's report.
func ManifestPath(outputDir string, epoch uint64) string {
	return filepath.Join(EpochDir(outputDir, epoch), manifestName)
}

// ManifestFile references a single report artefact and its payload digest.
type ManifestFile struct {
	Name     string `json:"name"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"`
}

// Manifest summarises a published epoch settlement report.
type Manifest struct {
	ID          string            `json:"id"`
	Epoch       uint64            `json:"epoch"`
	GeneratedAt time.Time         `json:"generated_at"`
	Entries     int               `json:"entries"`
	Totals      map[string]string `json:"totals"`
	Files       []ManifestFile    `json:"files"`
}

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Ledger    *audit.Ledger
	OutputDir string
	// Formats limits the artefacts written per run; empty means all formats.
	Formats []string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Exporter materialises epoch settlement reports from the audit ledger as
// CSV, JSON Lines and Parquet artefacts with a signed-off manifest.
type Exporter struct {
	ledger    *audit.Ledger
	outputDir string
	formats   map[string]bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewExporter builds a configured exporter.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("export: ledger is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("mrd-data-local", "reports")
	}
	formats := map[string]bool{FormatCSV: true, FormatJSONL: true, FormatParquet: true}
	if len(cfg.Formats) > 0 {
		formats = make(map[string]bool, len(cfg.Formats))
		for _, format := range cfg.Formats {
			name := strings.ToLower(strings.TrimSpace(format))
			switch name {
			case FormatCSV, FormatJSONL, FormatParquet:
				formats[name] = true
			default:
				return nil, fmt.Errorf("export: unknown report format %q", format)
			}
		}
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		formats:   formats,
		now:       nowFn,
		logger:    logger,
	}, nil
}

// Run publishes the settlement report for the supplied epoch and marks the
// exported entries in the audit ledger. Re-running an epoch rewrites the same
// artefacts without transitioning entries twice.
func (e *Exporter) Run(epoch uint64) (*Manifest, error) {
	manifest, err := e.run(epoch)
	if err != nil {
		metrics.Rewards().ObserveExportRun("error")
		return nil, err
	}
	metrics.Rewards().ObserveExportRun("ok")
	return manifest, nil
}

func (e *Exporter) run(epoch uint64) (*Manifest, error) {
	entries, err := e.collectEntries(epoch)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w %d", ErrNoEntries, epoch)
	}

	runDir := EpochDir(e.outputDir, epoch)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: ensure output dir: %w", err)
	}

	files := make([]ManifestFile, 0, 3)
	if e.formats[FormatCSV] {
		csvData, csvChecksum, err := ReportCSV(entries)
		if err != nil {
			return nil, fmt.Errorf("export: build csv: %w", err)
		}
		if err := os.WriteFile(filepath.Join(runDir, csvFileName), csvData, 0o644); err != nil {
			return nil, fmt.Errorf("export: write csv: %w", err)
		}
		files = append(files, ManifestFile{Name: csvFileName, Rows: len(entries), Checksum: csvChecksum})
	}

	if e.formats[FormatJSONL] {
		jsonlData, jsonlChecksum, err := ReportJSONL(entries)
		if err != nil {
			return nil, fmt.Errorf("export: build jsonl: %w", err)
		}
		if err := os.WriteFile(filepath.Join(runDir, jsonlFileName), jsonlData, 0o644); err != nil {
			return nil, fmt.Errorf("export: write jsonl: %w", err)
		}
		files = append(files, ManifestFile{Name: jsonlFileName, Rows: len(entries), Checksum: jsonlChecksum})
	}

	if e.formats[FormatParquet] {
		parquetPath := filepath.Join(runDir, parquetFileName)
		if err := writeParquet(parquetPath, entries); err != nil {
			return nil, err
		}
		parquetData, err := os.ReadFile(parquetPath)
		if err != nil {
			return nil, fmt.Errorf("export: read parquet back: %w", err)
		}
		files = append(files, ManifestFile{Name: parquetFileName, Rows: len(entries), Checksum: PayloadChecksum(parquetData)})
	}

	generatedAt := e.now().UTC()
	manifest := &Manifest{
		ID:          uuid.NewString(),
		Epoch:       epoch,
		GeneratedAt: generatedAt,
		Entries:     len(entries),
		Totals:      totalsByKind(entries),
		Files:       files,
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, manifestName), manifestData, 0o644); err != nil {
		return nil, fmt.Errorf("export: write manifest: %w", err)
	}

	refs := make([]audit.ExportReference, 0, len(entries))
	for _, entry := range entries {
		refs = append(refs, audit.ExportReference{
			Pool:    entry.Pool,
			Kind:    entry.Kind,
			Account: entry.Account,
			Amount:  entry.Amount,
		})
	}
	updated, err := e.ledger.MarkExported(epoch, refs, manifest.ID, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("export: mark entries exported: %w", err)
	}
	e.logger.Info("settlement report published",
		"epoch", epoch,
		"entries", len(entries),
		"transitioned", updated,
		"dir", runDir,
		"manifest", manifest.ID,
	)
	return manifest, nil
}

func (e *Exporter) collectEntries(epoch uint64) ([]*audit.Entry, error) {
	entries := make([]*audit.Entry, 0)
	cursor := ""
	for {
		page, next, err := e.ledger.List(audit.Filter{Epoch: &epoch, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("export: list audit entries: %w", err)
		}
		entries = append(entries, page...)
		if next == "" {
			return entries, nil
		}
		cursor = next
	}
}

func totalsByKind(entries []*audit.Entry) map[string]string {
	sums := make(map[string]*big.Int)
	for _, entry := range entries {
		if entry == nil || entry.Amount == nil {
			continue
		}
		kind := string(entry.Kind)
		if _, ok := sums[kind]; !ok {
			sums[kind] = big.NewInt(0)
		}
		sums[kind].Add(sums[kind], entry.Amount)
	}
	totals := make(map[string]string, len(sums))
	keys := make([]string, 0, len(sums))
	for kind := range sums {
		keys = append(keys, kind)
	}
	sort.Strings(keys)
	for _, kind := range keys {
		totals[kind] = sums[kind].String()
	}
	return totals
}
