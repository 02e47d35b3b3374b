// Package tei extracts catalog metadata from TEI XML headers. Parsing
// is tolerant: documents are real-world exports from several tools, so
// every field is best-effort and a missing element is never an error.
package tei

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Header holds the fields the catalog cares about from a teiHeader.
type Header struct {
	// Title is the main title from titleStmt.
	Title string

	// DOI is the document identifier from an idno element with
	// type="DOI", searched in publicationStmt then sourceDesc.
	DOI string

	// Variant names the producing tool from appInfo/application,
	// e.g. "grobid" or "cermine".
	Variant string

	// VariantVersion is the tool version string, if declared.
	VariantVersion string

	// LastRevision is the most recent change in revisionDesc,
	// formatted as "<when>: <text>" when both are present.
	LastRevision string
}

// ParseHeader reads a TEI document and extracts its header metadata.
// It fails only when the input is not well-formed XML or has no
// teiHeader element at all.
func ParseHeader(r io.Reader) (*Header, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to parse TEI document: %w", err)
	}
	return headerFromDocument(doc)
}

// ParseHeaderBytes is ParseHeader over an in-memory document.
func ParseHeaderBytes(data []byte) (*Header, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse TEI document: %w", err)
	}
	return headerFromDocument(doc)
}

func headerFromDocument(doc *etree.Document) (*Header, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty XML document")
	}

	hdr := findLocal(root, "teiHeader")
	if hdr == nil {
		return nil, fmt.Errorf("document has no teiHeader")
	}

	h := &Header{}
	h.Title = textOf(findPath(hdr, "fileDesc", "titleStmt", "title"))
	h.DOI = findDOI(hdr)
	h.Variant, h.VariantVersion = findApplication(hdr)
	h.LastRevision = findLastRevision(hdr)
	return h, nil
}

// findDOI looks for <idno type="DOI"> in the usual places. Some tools
// put it in publicationStmt, others in the sourceDesc bibliography.
func findDOI(hdr *etree.Element) string {
	for _, idno := range descendantsLocal(hdr, "idno") {
		if !strings.EqualFold(idno.SelectAttrValue("type", ""), "doi") {
			continue
		}
		if v := strings.TrimSpace(idno.Text()); v != "" {
			return normalizeDOI(v)
		}
	}
	return ""
}

// normalizeDOI strips common URL prefixes so "10.x/y" forms compare
// equal regardless of how the producer wrote them.
func normalizeDOI(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{
		"https://doi.org/", "http://doi.org/",
		"https://dx.doi.org/", "http://dx.doi.org/",
		"doi:",
	} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

// findApplication reads the first appInfo/application element, which
// extraction tools use to identify themselves.
func findApplication(hdr *etree.Element) (name, version string) {
	appInfo := descendantLocal(hdr, "appInfo")
	if appInfo == nil {
		return "", ""
	}
	app := findLocal(appInfo, "application")
	if app == nil {
		return "", ""
	}
	name = app.SelectAttrValue("ident", "")
	if name == "" {
		name = textOf(findLocal(app, "label"))
	}
	version = app.SelectAttrValue("version", "")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(version)
}

// findLastRevision returns the newest change from revisionDesc. The
// elements are usually ordered oldest-first, so the last one wins; a
// "when" attribute breaks ties when present.
func findLastRevision(hdr *etree.Element) string {
	rev := descendantLocal(hdr, "revisionDesc")
	if rev == nil {
		return ""
	}
	changes := descendantsLocal(rev, "change")
	if len(changes) == 0 {
		return ""
	}

	best := changes[len(changes)-1]
	bestWhen := best.SelectAttrValue("when", "")
	for _, ch := range changes {
		if when := ch.SelectAttrValue("when", ""); when != "" && when > bestWhen {
			best, bestWhen = ch, when
		}
	}

	text := strings.Join(strings.Fields(best.Text()), " ")
	switch {
	case bestWhen != "" && text != "":
		return bestWhen + ": " + text
	case bestWhen != "":
		return bestWhen
	default:
		return text
	}
}

// VersionFromFilename extracts a ".vN." version marker from a
// filename, e.g. "paper.v3.tei.xml" yields 3. Returns false when no
// marker is present, which importer gold policies treat as a gold
// candidate.
func VersionFromFilename(name string) (int, bool) {
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if len(p) < 2 || (p[0] != 'v' && p[0] != 'V') {
			continue
		}
		n, err := strconv.Atoi(p[1:])
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// ----------------------------------------------------------------------------
// Namespace-agnostic element helpers. TEI documents may or may not
// carry the TEI namespace prefix; matching on local names handles both.
// ----------------------------------------------------------------------------

func localName(e *etree.Element) string {
	if i := strings.Index(e.Tag, ":"); i >= 0 {
		return e.Tag[i+1:]
	}
	return e.Tag
}

func findLocal(parent *etree.Element, name string) *etree.Element {
	for _, ch := range parent.ChildElements() {
		if localName(ch) == name {
			return ch
		}
	}
	return nil
}

func findPath(parent *etree.Element, names ...string) *etree.Element {
	cur := parent
	for _, n := range names {
		cur = findLocal(cur, n)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func descendantLocal(parent *etree.Element, name string) *etree.Element {
	all := descendantsLocal(parent, name)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func descendantsLocal(parent *etree.Element, name string) []*etree.Element {
	var out []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, ch := range e.ChildElements() {
			if localName(ch) == name {
				out = append(out, ch)
			}
			walk(ch)
		}
	}
	walk(parent)
	return out
}

func textOf(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.Join(strings.Fields(e.Text()), " ")
}
