// Package exporter materializes catalog entries as a filesystem tree
// or ZIP archive. Entries are grouped by type, collection, or variant;
// filenames pass through configurable regex transforms; and every
// file write is atomic (tempfile plus rename).
//
// When a (doc_id, variant) pair has no gold entry, the highest
// versioned entry is promoted to gold for the export only; the catalog
// is never written.
package exporter

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/progress"
	"github.com/teivault/teivault/pkg/vault"
)

// Mode selects the output tree layout.
type Mode string

const (
	// ModeByType lays out pdf/, tei/, and versions/ at the root.
	ModeByType Mode = "by_type"

	// ModeByCollection nests the type layout under each entry's
	// first collection.
	ModeByCollection Mode = "by_collection"

	// ModeByVariant nests the type layout under the variant name,
	// with variant-less entries under "primary".
	ModeByVariant Mode = "by_variant"
)

// Transform is one sequential filename rewrite.
type Transform struct {
	Pattern     string `mapstructure:"pattern" yaml:"pattern"`
	Replacement string `mapstructure:"replacement" yaml:"replacement"`
}

// Options configures one export run.
type Options struct {
	// Mode defaults to ModeByType.
	Mode Mode

	// OutputDir receives the tree. Mutually exclusive with ZipPath.
	OutputDir string

	// ZipPath writes a single archive instead of a tree.
	ZipPath string

	// Collection restricts the export to one collection.
	Collection string

	// Transforms rewrite output filenames, applied in order.
	Transforms []Transform

	// IncludeSchemas also exports RNG entries under schema/.
	IncludeSchemas bool

	// ProgressToken keys progress events; empty disables reporting.
	ProgressToken string
}

// Stats summarizes an export run.
type Stats struct {
	FilesWritten  int         `json:"files_written"`
	GoldsPromoted int         `json:"golds_promoted"`
	BytesWritten  int64       `json:"bytes_written"`
	Errors        []ItemError `json:"errors,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
}

// ItemError records one failed entry without aborting the batch.
type ItemError struct {
	StableID string `json:"stable_id"`
	Err      string `json:"error"`
}

// Exporter materializes vault content.
type Exporter struct {
	vault *vault.Vault
	bus   *progress.Bus
}

// New returns an exporter. The bus may be nil.
func New(v *vault.Vault, bus *progress.Bus) *Exporter {
	return &Exporter{vault: v, bus: bus}
}

// plannedFile is one output decision: an entry, its role in the tree,
// and the relative path it lands at.
type plannedFile struct {
	entry   *catalog.FileEntry
	relPath string
}

// Run exports matching entries according to the options.
func (ex *Exporter) Run(ctx context.Context, opts Options) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	if opts.Mode == "" {
		opts.Mode = ModeByType
	}
	if (opts.OutputDir == "") == (opts.ZipPath == "") {
		return nil, fmt.Errorf("%w: exactly one of output dir and zip path is required", catalog.ErrInvalidArgument)
	}

	transforms, err := compileTransforms(opts.Transforms)
	if err != nil {
		return nil, err
	}

	entries, err := ex.vault.Catalog().List(ctx, catalog.ListOptions{Collection: opts.Collection})
	if err != nil {
		return nil, err
	}

	planned := ex.plan(entries, &opts, transforms, stats)
	logger.Info("export planned", logger.KeyCount, len(planned), "mode", string(opts.Mode))

	var w writer
	if opts.ZipPath != "" {
		w, err = newZipTreeWriter(opts.ZipPath)
	} else {
		w, err = newDirTreeWriter(opts.OutputDir)
	}
	if err != nil {
		return nil, err
	}

	reporter := progress.NewReporter(ex.bus, opts.ProgressToken, "export", len(planned))
	for _, pf := range planned {
		content, err := ex.vault.Blobs().Get(pf.entry.ContentHash, pf.entry.FileType)
		if err != nil {
			stats.Errors = append(stats.Errors, ItemError{StableID: pf.entry.StableID, Err: err.Error()})
			reporter.Step(1, "")
			continue
		}
		if err := w.write(pf.relPath, content); err != nil {
			stats.Errors = append(stats.Errors, ItemError{StableID: pf.entry.StableID, Err: err.Error()})
			reporter.Step(1, "")
			continue
		}
		stats.FilesWritten++
		stats.BytesWritten += int64(len(content))
		reporter.Step(1, pf.relPath)
	}

	if err := w.close(); err != nil {
		return stats, err
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	if ex.bus != nil && opts.ProgressToken != "" {
		ex.bus.Done(opts.ProgressToken, fmt.Sprintf("exported %d files", stats.FilesWritten))
	}
	logger.Info("export finished",
		"files", stats.FilesWritten, "golds_promoted", stats.GoldsPromoted,
		logger.KeySize, stats.BytesWritten, logger.KeyDurationMs, stats.DurationMs)
	return stats, nil
}

// plan decides every output path. TEIs are partitioned per
// (doc_id, variant) into one gold (real or promoted) and the rest as
// versions.
func (ex *Exporter) plan(entries []catalog.FileEntry, opts *Options, transforms []compiledTransform, stats *Stats) []plannedFile {
	type groupKey struct {
		docID   string
		variant string
	}
	teiGroups := map[groupKey][]*catalog.FileEntry{}
	var planned []plannedFile

	place := func(e *catalog.FileEntry, kind string) {
		name := applyTransforms(exportName(e), transforms)
		planned = append(planned, plannedFile{
			entry:   e,
			relPath: path.Join(prefixFor(e, opts.Mode), kind, name),
		})
	}

	for i := range entries {
		e := &entries[i]
		switch e.FileType {
		case catalog.FileTypePDF:
			place(e, "pdf")
		case catalog.FileTypeRNG:
			if opts.IncludeSchemas {
				place(e, "schema")
			}
		case catalog.FileTypeTEI:
			k := groupKey{docID: e.DocID, variant: e.VariantKey()}
			teiGroups[k] = append(teiGroups[k], e)
		}
	}

	keys := make([]groupKey, 0, len(teiGroups))
	for k := range teiGroups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].docID != keys[j].docID {
			return keys[i].docID < keys[j].docID
		}
		return keys[i].variant < keys[j].variant
	})

	for _, k := range keys {
		group := teiGroups[k]
		gold := pickGold(group)
		if gold != nil && !gold.IsGoldStandard {
			stats.GoldsPromoted++
			logger.Debug("promoting latest version to gold for export",
				logger.DocID(k.docID), logger.KeyVariant, k.variant,
				logger.StableID(gold.StableID))
		}
		for _, e := range group {
			if e == gold {
				place(e, "tei")
			} else {
				place(e, "versions")
			}
		}
	}

	sort.Slice(planned, func(i, j int) bool { return planned[i].relPath < planned[j].relPath })
	return planned
}

// pickGold returns the gold entry of a group, or the highest version
// when no real gold exists. Nil only for an empty group.
func pickGold(group []*catalog.FileEntry) *catalog.FileEntry {
	var gold *catalog.FileEntry
	for _, e := range group {
		if e.IsGoldStandard {
			return e
		}
	}
	for _, e := range group {
		if e.Version == nil {
			continue
		}
		if gold == nil || *e.Version > *gold.Version {
			gold = e
		}
	}
	if gold == nil && len(group) > 0 {
		gold = group[0]
	}
	return gold
}

// prefixFor returns the mode-dependent directory above the type
// folders.
func prefixFor(e *catalog.FileEntry, mode Mode) string {
	switch mode {
	case ModeByCollection:
		if len(e.DocCollections) > 0 {
			return e.DocCollections[0]
		}
		return catalog.InboxCollection
	case ModeByVariant:
		if e.Variant != nil && *e.Variant != "" {
			return *e.Variant
		}
		return "primary"
	default:
		return ""
	}
}

// exportName derives the output filename for an entry.
func exportName(e *catalog.FileEntry) string {
	if e.Filename != "" {
		return e.Filename
	}
	return e.StableID + e.FileType.Ext()
}

type compiledTransform struct {
	re          *regexp.Regexp
	replacement string
}

func compileTransforms(transforms []Transform) ([]compiledTransform, error) {
	out := make([]compiledTransform, 0, len(transforms))
	for _, t := range transforms {
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: name transform %q: %v", catalog.ErrInvalidArgument, t.Pattern, err)
		}
		out = append(out, compiledTransform{re: re, replacement: t.Replacement})
	}
	return out, nil
}

func applyTransforms(name string, transforms []compiledTransform) string {
	for _, t := range transforms {
		name = t.re.ReplaceAllString(name, t.replacement)
	}
	return name
}
