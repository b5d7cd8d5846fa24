// Package extract turns a fetched gene report page into domain.ExtractedFacts.
//
// Extraction is best-effort per field: a missing or malformed section only
// leaves its field absent. The page markup is not a stable contract, so
// nothing here returns an error.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"genesync/pkg/domain"
)

const (
	labelSymbol      = "Symbol"
	labelAlsoKnownAs = "Also Known As"

	classTranscriptHeader = "header"
	transcriptHeaderMark  = "(aa)"
	classIsoformBlock     = "line-wrapper"
	classIsoformName      = "trans_name"
	classIsoformID        = "trans_ID"
	classTaxonPrefix      = "greytext"

	detailedViewName = "detailedView"
	detailedViewAlt  = "detailed view"
)

// Extractor parses report pages of one source.
type Extractor struct {
	origin *url.URL
}

// New returns an Extractor resolving relative asset references against origin.
func New(origin string) (*Extractor, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse source origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source origin %q must be absolute", origin)
	}
	return &Extractor{origin: u}, nil
}

// Extract parses body. The asset's remote size is left at zero; it is filled
// in by a separate metadata fetch.
func (e *Extractor) Extract(body []byte) domain.ExtractedFacts {
	var facts domain.ExtractedFacts
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return facts
	}

	if name, ok := symbol(doc); ok {
		facts.Name = &name
		facts.AddAlias(name)
	}
	for _, alias := range alsoKnownAs(doc) {
		facts.AddAlias(alias)
	}
	for _, block := range transcriptBlocks(doc) {
		if iso, ok := isoform(block); ok {
			facts.PutIsoform(iso)
		}
	}
	if ref := e.detailedView(doc); ref != nil {
		facts.Asset = ref
	}
	return facts
}

// labeledCell finds the <td> following the <th> whose text equals label.
func labeledCell(doc *html.Node, label string) *html.Node {
	for _, th := range findAll(doc, byAtom(atom.Th)) {
		text := strings.TrimSuffix(collapseSpace(textContent(th, nil)), ":")
		if text != label {
			continue
		}
		if td := nextElement(th); isElement(td, atom.Td) {
			return td
		}
	}
	return nil
}

func symbol(doc *html.Node) (string, bool) {
	td := labeledCell(doc, labelSymbol)
	if td == nil {
		return "", false
	}
	prefixed := false
	raw := textContent(td, func(n *html.Node) bool {
		if n.DataAtom == atom.Span && hasClass(n, classTaxonPrefix) {
			prefixed = true
			return true
		}
		return false
	})
	name := strings.TrimSpace(raw)
	if !prefixed {
		name = stripTaxonPrefix(name)
	}
	return name, name != ""
}

// stripTaxonPrefix drops a leading "Dmel\" style species token.
func stripTaxonPrefix(s string) string {
	i := strings.IndexByte(s, '\\')
	if i <= 0 || strings.ContainsAny(s[:i], " \t\n") {
		return s
	}
	return strings.TrimSpace(s[i+1:])
}

func alsoKnownAs(doc *html.Node) []string {
	td := labeledCell(doc, labelAlsoKnownAs)
	if td == nil {
		return nil
	}
	var out []string
	for _, part := range strings.Split(textContent(td, nil), ",") {
		if alias := strings.TrimSpace(part); alias != "" {
			out = append(out, alias)
		}
	}
	return out
}

// transcriptBlocks returns the isoform rows that follow the "(aa)" column
// header of the transcript table. Rows elsewhere on the page are ignored.
func transcriptBlocks(doc *html.Node) []*html.Node {
	header := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, atom.Div) && hasClass(n, classTranscriptHeader) &&
			strings.Contains(textContent(n, nil), transcriptHeaderMark)
	})
	if header == nil {
		return nil
	}
	isBlock := byClass(atom.Div, classIsoformBlock)
	var blocks []*html.Node
	for s := nextElement(header); s != nil; s = nextElement(s) {
		if isBlock(s) {
			blocks = append(blocks, s)
			continue
		}
		blocks = append(blocks, findAll(s, isBlock)...)
	}
	return blocks
}

func isoform(block *html.Node) (domain.IsoformFacts, bool) {
	nameDiv := findFirst(block, byClass(atom.Div, classIsoformName))
	if nameDiv == nil {
		return domain.IsoformFacts{}, false
	}
	nameNode := nameDiv
	if a := findFirst(nameDiv, byAtom(atom.A)); a != nil {
		nameNode = a
	}
	iso := domain.IsoformFacts{Name: collapseSpace(textContent(nameNode, nil))}
	if iso.Name == "" {
		return domain.IsoformFacts{}, false
	}
	if idDiv := findFirst(block, byClass(atom.Div, classIsoformID)); idDiv != nil {
		iso.ExternalIsoformID = strings.TrimSpace(textContent(idDiv, nil))
	}
	for _, a := range findAll(block, byAtom(atom.A)) {
		if acc := crossReference(attr(a, "href")); acc != "" {
			iso.ExternalSecondaryID = acc
			break
		}
	}
	return iso, true
}

// crossReference extracts the accession from an NCBI viewer link.
func crossReference(href string) string {
	if !strings.Contains(href, "viewer.fcgi") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !strings.HasSuffix(u.Hostname(), "ncbi.nlm.nih.gov") {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("val"))
}

func (e *Extractor) detailedView(doc *html.Node) *domain.AssetRef {
	img := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Img && (attr(n, "name") == detailedViewName || attr(n, "alt") == detailedViewAlt)
	})
	if img == nil {
		return nil
	}
	src := strings.TrimSpace(attr(img, "src"))
	if src == "" {
		return nil
	}
	ref, err := url.Parse(src)
	if err != nil {
		return nil
	}
	return &domain.AssetRef{URL: e.origin.ResolveReference(ref).String()}
}
