package tei

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullDocument = `<?xml version="1.0" encoding="UTF-8"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader>
    <fileDesc>
      <titleStmt>
        <title>Deep   Learning for
          Citation Parsing</title>
      </titleStmt>
      <publicationStmt>
        <idno type="DOI">https://doi.org/10.1000/xyz123</idno>
      </publicationStmt>
      <sourceDesc>
        <biblStruct>
          <idno type="DOI">10.1000/other</idno>
        </biblStruct>
      </sourceDesc>
    </fileDesc>
    <encodingDesc>
      <appInfo>
        <application ident="GROBID" version="0.8.0">
          <label>GROBID</label>
        </application>
      </appInfo>
    </encodingDesc>
    <revisionDesc>
      <change when="2023-11-01">first conversion</change>
      <change when="2024-03-15">manual corrections</change>
    </revisionDesc>
  </teiHeader>
  <text><body><p>content</p></body></text>
</TEI>`

func TestParseHeader(t *testing.T) {
	t.Parallel()

	hdr, err := ParseHeader(strings.NewReader(fullDocument))
	require.NoError(t, err)

	assert.Equal(t, "Deep Learning for Citation Parsing", hdr.Title)
	assert.Equal(t, "10.1000/xyz123", hdr.DOI, "first idno wins, url prefix stripped")
	assert.Equal(t, "grobid", hdr.Variant)
	assert.Equal(t, "0.8.0", hdr.VariantVersion)
	assert.Equal(t, "2024-03-15: manual corrections", hdr.LastRevision)
}

func TestParseHeaderWithoutNamespace(t *testing.T) {
	t.Parallel()

	doc := `<TEI><teiHeader><fileDesc><titleStmt>
	  <title>Plain Document</title>
	</titleStmt></fileDesc></teiHeader></TEI>`

	hdr, err := ParseHeaderBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Plain Document", hdr.Title)
	assert.Empty(t, hdr.DOI)
	assert.Empty(t, hdr.Variant)
	assert.Empty(t, hdr.LastRevision)
}

func TestParseHeaderErrors(t *testing.T) {
	t.Parallel()

	t.Run("malformed xml", func(t *testing.T) {
		_, err := ParseHeader(strings.NewReader("<TEI><unclosed"))
		assert.Error(t, err)
	})

	t.Run("no teiHeader", func(t *testing.T) {
		_, err := ParseHeaderBytes([]byte("<TEI><text/></TEI>"))
		assert.Error(t, err)
	})
}

func TestNormalizeDOI(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10.1000/abc":                    "10.1000/abc",
		"https://doi.org/10.1000/abc":    "10.1000/abc",
		"http://dx.doi.org/10.1000/abc":  "10.1000/abc",
		"doi:10.1000/abc":                "10.1000/abc",
		"  https://doi.org/10.1000/abc ": "10.1000/abc",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeDOI(in), "input %q", in)
	}
}

func TestLastRevisionPicksNewest(t *testing.T) {
	t.Parallel()

	// Out-of-order changes: the when attribute decides.
	doc := `<TEI><teiHeader>
	  <revisionDesc>
	    <change when="2024-06-01">newest</change>
	    <change when="2023-01-01">oldest</change>
	  </revisionDesc>
	</teiHeader></TEI>`

	hdr, err := ParseHeaderBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01: newest", hdr.LastRevision)
}

func TestVersionFromFilename(t *testing.T) {
	t.Parallel()

	v, ok := VersionFromFilename("paper.v3.tei.xml")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = VersionFromFilename("paper.V12.tei.xml")
	require.True(t, ok)
	assert.Equal(t, 12, v)

	_, ok = VersionFromFilename("paper.tei.xml")
	assert.False(t, ok)

	_, ok = VersionFromFilename("paper.variant.tei.xml")
	assert.False(t, ok, "non-numeric suffix is not a version marker")

	_, ok = VersionFromFilename("paper.v0.tei.xml")
	assert.False(t, ok, "versions start at 1")
}
