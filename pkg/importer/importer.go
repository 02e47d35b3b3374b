// Package importer ingests directory trees or ZIP archives of PDF and
// TEI files into the vault. It groups files into documents, derives
// variant and version from TEI headers and filename markers, applies
// the configured gold-standard policies, and assigns collections from
// the directory layout.
package importer

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/progress"
	"github.com/teivault/teivault/pkg/tei"
	"github.com/teivault/teivault/pkg/vault"
)

// GoldPolicy names one way to detect gold-standard TEI files.
type GoldPolicy string

const (
	// GoldPolicyNoVersionMarker treats a TEI without a ".vN." marker
	// in its filename as gold.
	GoldPolicyNoVersionMarker GoldPolicy = "no_version_marker"

	// GoldPolicyFilenameRegex treats filenames matching GoldRegex as
	// gold.
	GoldPolicyFilenameRegex GoldPolicy = "filename_regex"

	// GoldPolicyGoldDirectory treats files under GoldDir (relative to
	// the import root) as gold.
	GoldPolicyGoldDirectory GoldPolicy = "gold_directory"
)

// Options configures one import run.
type Options struct {
	// Collections assigns these collections to every imported entry.
	// Empty means derive from the directory layout.
	Collections []string

	// SkipDirs are top-level directory names that never become
	// collections. Hidden directories are always skipped.
	SkipDirs []string

	// GoldPolicies are evaluated in order; a file is gold when any of
	// them says so. Disagreements between configured policies are
	// logged, not fatal. Empty defaults to the no-version-marker
	// policy.
	GoldPolicies []GoldPolicy

	// GoldRegex backs GoldPolicyFilenameRegex.
	GoldRegex string

	// GoldDir backs GoldPolicyGoldDirectory, relative to the root.
	GoldDir string

	// DefaultVariant is used for TEI files whose header names no
	// producing application.
	DefaultVariant string

	// DryRun resolves and reports without writing anything.
	DryRun bool

	// CreatedBy stamps the created entries.
	CreatedBy string

	// ProgressToken keys progress events; empty disables reporting.
	ProgressToken string
}

// ItemError records one failed file without aborting the batch.
type ItemError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Stats summarizes an import run.
type Stats struct {
	Scanned      int         `json:"scanned"`
	PDFs         int         `json:"pdfs"`
	TEIs         int         `json:"teis"`
	Schemas      int         `json:"schemas"`
	GoldAssigned int         `json:"gold_assigned"`
	Skipped      int         `json:"skipped"`
	Errors       []ItemError `json:"errors,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
	DryRun       bool        `json:"dry_run"`
}

// Importer ingests files into a vault.
type Importer struct {
	vault *vault.Vault
	bus   *progress.Bus
}

// New returns an importer. The bus may be nil.
func New(v *vault.Vault, bus *progress.Bus) *Importer {
	return &Importer{vault: v, bus: bus}
}

// sourceFile is one candidate found in a tree or archive. RelPath uses
// forward slashes relative to the import root.
type sourceFile struct {
	RelPath  string
	FileType catalog.FileType
	open     func() (io.ReadCloser, error)
}

func (f *sourceFile) read() ([]byte, error) {
	rc, err := f.open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// document is a group of files resolved to one doc_id.
type document struct {
	docID     string
	docIDType string
	pdf       *resolvedFile
	teis      []*resolvedFile
}

// resolvedFile carries the per-file classification decisions.
type resolvedFile struct {
	src     *sourceFile
	content []byte
	header  *tei.Header
	variant *string
	version *int
	gold    bool
}

// Run imports every PDF, TEI, and RNG file found under root, which may
// be a directory or a .zip archive.
func (imp *Importer) Run(ctx context.Context, root string, opts Options) (*Stats, error) {
	start := time.Now()
	stats := &Stats{DryRun: opts.DryRun}

	var goldRe *regexp.Regexp
	if opts.GoldRegex != "" {
		var err error
		if goldRe, err = regexp.Compile(opts.GoldRegex); err != nil {
			return nil, fmt.Errorf("%w: gold regex: %v", catalog.ErrInvalidArgument, err)
		}
	}
	if len(opts.GoldPolicies) == 0 {
		opts.GoldPolicies = []GoldPolicy{GoldPolicyNoVersionMarker}
	}

	sources, err := scan(root)
	if err != nil {
		return nil, err
	}
	stats.Scanned = len(sources)
	logger.Info("import scan complete", logger.KeyPath, root, logger.KeyCount, len(sources))

	reporter := progress.NewReporter(imp.bus, opts.ProgressToken, "import", len(sources))

	docs, schemas := resolve(sources, &opts, goldRe, stats)

	// PDFs first: they own the doc metadata TEIs inherit.
	docIDs := make([]string, 0, len(docs))
	for id := range docs {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	for _, id := range docIDs {
		doc := docs[id]
		if doc.pdf != nil {
			imp.importFile(ctx, doc, doc.pdf, catalog.FileTypePDF, &opts, stats)
			reporter.Step(1, doc.pdf.src.RelPath)
		}
		for _, t := range doc.teis {
			imp.importFile(ctx, doc, t, catalog.FileTypeTEI, &opts, stats)
			reporter.Step(1, t.src.RelPath)
		}
	}
	for _, s := range schemas {
		imp.importSchema(ctx, s, &opts, stats)
		reporter.Step(1, s.RelPath)
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	if imp.bus != nil && opts.ProgressToken != "" {
		imp.bus.Done(opts.ProgressToken, fmt.Sprintf("imported %d files", stats.PDFs+stats.TEIs+stats.Schemas))
	}
	logger.Info("import finished",
		"pdfs", stats.PDFs, "teis", stats.TEIs, "schemas", stats.Schemas,
		"skipped", stats.Skipped, "errors", len(stats.Errors),
		logger.KeyDurationMs, stats.DurationMs)
	return stats, nil
}

// resolve groups the sources into documents and classifies each file.
func resolve(sources []*sourceFile, opts *Options, goldRe *regexp.Regexp, stats *Stats) (map[string]*document, []*sourceFile) {
	var schemas []*sourceFile

	type stemGroup struct {
		pdf  *sourceFile
		teis []*resolvedFile
	}
	groups := map[string]*stemGroup{}

	groupOf := func(stem string) *stemGroup {
		g, ok := groups[stem]
		if !ok {
			g = &stemGroup{}
			groups[stem] = g
		}
		return g
	}

	for _, src := range sources {
		switch src.FileType {
		case catalog.FileTypeRNG:
			schemas = append(schemas, src)
		case catalog.FileTypePDF:
			groupOf(stemOf(src.RelPath)).pdf = src
		case catalog.FileTypeTEI:
			rf := &resolvedFile{src: src}
			data, err := src.read()
			if err != nil {
				stats.Errors = append(stats.Errors, ItemError{Path: src.RelPath, Err: err.Error()})
				continue
			}
			rf.content = data
			if hdr, err := tei.ParseHeaderBytes(data); err == nil {
				rf.header = hdr
			} else {
				logger.Warn("unparseable TEI header",
					logger.KeyPath, src.RelPath, logger.Err(err))
			}
			classify(rf, opts, goldRe)
			g := groupOf(stemOf(src.RelPath))
			g.teis = append(g.teis, rf)
		}
	}

	// Stem → doc_id: a DOI from any TEI in the group wins; otherwise
	// the stem itself is the deterministic fallback.
	docs := map[string]*document{}
	stems := make([]string, 0, len(groups))
	for s := range groups {
		stems = append(stems, s)
	}
	sort.Strings(stems)

	for _, stem := range stems {
		g := groups[stem]
		docID, docIDType := stem, "filename"
		for _, t := range g.teis {
			if t.header != nil && t.header.DOI != "" {
				docID, docIDType = t.header.DOI, "doi"
				break
			}
		}

		doc, ok := docs[docID]
		if !ok {
			doc = &document{docID: docID, docIDType: docIDType}
			docs[docID] = doc
		}
		if g.pdf != nil {
			data, err := g.pdf.read()
			if err != nil {
				stats.Errors = append(stats.Errors, ItemError{Path: g.pdf.RelPath, Err: err.Error()})
			} else {
				doc.pdf = &resolvedFile{src: g.pdf, content: data}
			}
		}
		doc.teis = append(doc.teis, g.teis...)
	}

	enforceSingleGold(docs)
	return docs, schemas
}

// classify derives variant, version, and gold status for one TEI.
func classify(rf *resolvedFile, opts *Options, goldRe *regexp.Regexp) {
	if rf.header != nil && rf.header.Variant != "" {
		v := rf.header.Variant
		rf.variant = &v
	} else if opts.DefaultVariant != "" {
		v := opts.DefaultVariant
		rf.variant = &v
	}

	name := path.Base(rf.src.RelPath)
	if n, ok := tei.VersionFromFilename(name); ok {
		rf.version = &n
	}

	votes := make([]bool, 0, len(opts.GoldPolicies))
	for _, p := range opts.GoldPolicies {
		switch p {
		case GoldPolicyNoVersionMarker:
			votes = append(votes, rf.version == nil)
		case GoldPolicyFilenameRegex:
			if goldRe != nil {
				votes = append(votes, goldRe.MatchString(name))
			}
		case GoldPolicyGoldDirectory:
			if opts.GoldDir != "" {
				dir := strings.Trim(opts.GoldDir, "/")
				votes = append(votes, strings.HasPrefix(rf.src.RelPath, dir+"/"))
			}
		}
	}

	any, all := false, len(votes) > 0
	for _, v := range votes {
		any = any || v
		all = all && v
	}
	rf.gold = any
	if any && !all {
		logger.Warn("gold policies disagree, treating file as gold",
			logger.KeyPath, rf.src.RelPath)
	}
	if rf.gold {
		// Gold entries live outside the version set.
		rf.version = nil
	}
}

// enforceSingleGold demotes all but the first gold candidate per
// (doc_id, variant) into the version set.
func enforceSingleGold(docs map[string]*document) {
	for _, doc := range docs {
		seen := map[string]bool{}
		nextVersion := map[string]int{}
		for _, t := range doc.teis {
			key := ""
			if t.variant != nil {
				key = *t.variant
			}
			if t.version != nil && *t.version >= nextVersion[key] {
				nextVersion[key] = *t.version + 1
			}
		}
		for _, t := range doc.teis {
			if !t.gold {
				continue
			}
			key := ""
			if t.variant != nil {
				key = *t.variant
			}
			if !seen[key] {
				seen[key] = true
				continue
			}
			logger.Warn("multiple gold candidates, demoting to versioned",
				logger.KeyDocID, doc.docID, logger.KeyPath, t.src.RelPath)
			t.gold = false
			if nextVersion[key] == 0 {
				nextVersion[key] = 1
			}
			v := nextVersion[key]
			t.version = &v
			nextVersion[key]++
		}
	}
}

// importFile writes one resolved file into the vault.
func (imp *Importer) importFile(ctx context.Context, doc *document, rf *resolvedFile, ft catalog.FileType, opts *Options, stats *Stats) {
	collections := opts.Collections
	if len(collections) == 0 {
		if col := collectionFromPath(rf.src.RelPath, opts.SkipDirs); col != "" {
			collections = []string{col}
		}
	}

	exists, err := imp.alreadyImported(ctx, rf.content, doc.docID, ft)
	if err != nil {
		stats.Errors = append(stats.Errors, ItemError{Path: rf.src.RelPath, Err: err.Error()})
		return
	}
	if exists {
		stats.Skipped++
		logger.Debug("skipping already imported file", logger.KeyPath, rf.src.RelPath)
		return
	}

	if opts.DryRun {
		imp.count(rf, ft, stats)
		return
	}

	createOpts := vault.CreateOptions{
		Filename:       path.Base(rf.src.RelPath),
		DocID:          doc.docID,
		DocIDType:      doc.docIDType,
		FileType:       ft,
		Variant:        rf.variant,
		Version:        rf.version,
		IsGoldStandard: rf.gold,
		Collections:    collections,
		CreatedBy:      opts.CreatedBy,
	}
	if rf.header != nil {
		createOpts.Label = rf.header.Title
		createOpts.FileMetadata = catalog.MetaMap{}
		if rf.header.VariantVersion != "" {
			createOpts.FileMetadata["application_version"] = rf.header.VariantVersion
		}
		if rf.header.LastRevision != "" {
			createOpts.FileMetadata["last_revision"] = rf.header.LastRevision
		}
	}

	entry, err := imp.vault.Create(ctx, rf.content, createOpts)
	if err != nil {
		stats.Errors = append(stats.Errors, ItemError{Path: rf.src.RelPath, Err: err.Error()})
		return
	}
	if rf.header != nil && rf.header.LastRevision != "" {
		if err := imp.vault.Catalog().DB().WithContext(ctx).
			Model(&catalog.FileEntry{}).Where("id = ?", entry.ID).
			Update("last_revision", rf.header.LastRevision).Error; err != nil {
			logger.Warn("failed to record last revision",
				logger.StableID(entry.StableID), logger.Err(err))
		}
	}
	imp.count(rf, ft, stats)
}

func (imp *Importer) importSchema(ctx context.Context, src *sourceFile, opts *Options, stats *Stats) {
	data, err := src.read()
	if err != nil {
		stats.Errors = append(stats.Errors, ItemError{Path: src.RelPath, Err: err.Error()})
		return
	}
	docID := stemOf(src.RelPath)

	exists, err := imp.alreadyImported(ctx, data, docID, catalog.FileTypeRNG)
	if err != nil {
		stats.Errors = append(stats.Errors, ItemError{Path: src.RelPath, Err: err.Error()})
		return
	}
	if exists {
		stats.Skipped++
		return
	}
	if opts.DryRun {
		stats.Schemas++
		return
	}

	_, err = imp.vault.Create(ctx, data, vault.CreateOptions{
		Filename:    path.Base(src.RelPath),
		DocID:       docID,
		DocIDType:   "filename",
		FileType:    catalog.FileTypeRNG,
		Collections: opts.Collections,
		CreatedBy:   opts.CreatedBy,
	})
	if err != nil {
		stats.Errors = append(stats.Errors, ItemError{Path: src.RelPath, Err: err.Error()})
		return
	}
	stats.Schemas++
}

func (imp *Importer) count(rf *resolvedFile, ft catalog.FileType, stats *Stats) {
	switch ft {
	case catalog.FileTypePDF:
		stats.PDFs++
	case catalog.FileTypeTEI:
		stats.TEIs++
		if rf.gold {
			stats.GoldAssigned++
		}
	}
}

// alreadyImported reports whether a live row with the same content,
// document, and type exists. Blob-level dedup is automatic; this guard
// keeps re-imports from multiplying catalog rows.
func (imp *Importer) alreadyImported(ctx context.Context, content []byte, docID string, ft catalog.FileType) (bool, error) {
	hash := blob.Hash(content)
	entries, err := imp.vault.Catalog().ListByHash(ctx, hash)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.Deleted && e.DocID == docID && e.FileType == ft {
			return true, nil
		}
	}
	return false, nil
}

// stemOf strips the extension and any version marker from a relative
// path's base name: "corpus/paper.v3.tei.xml" → "paper".
func stemOf(relPath string) string {
	name := path.Base(relPath)
	if ft, ok := catalog.FileTypeForExt(name); ok {
		name = name[:len(name)-len(ft.Ext())]
	} else if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	// Trailing ".vN" marker.
	if i := strings.LastIndex(name, "."); i > 0 {
		if _, ok := tei.VersionFromFilename(name[i:] + ".x"); ok {
			name = name[:i]
		}
	}
	return name
}

// collectionFromPath returns the first directory component under the
// root that is not skipped, or "".
func collectionFromPath(relPath string, skip []string) string {
	parts := strings.Split(relPath, "/")
	if len(parts) < 2 {
		return "" // file at the root
	}
	for _, part := range parts[:len(parts)-1] {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasPrefix(part, "_") {
			continue
		}
		skipped := false
		for _, s := range skip {
			if strings.EqualFold(part, s) {
				skipped = true
				break
			}
		}
		if !skipped {
			return part
		}
	}
	return ""
}
