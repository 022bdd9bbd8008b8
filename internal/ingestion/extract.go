package ingestion

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Filenames in the exports carry a date token, e.g. report_2024-03-01.txt
	// or hearing_20240301.pdf.
	timestampRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}|\d{8})`)
	htmlTagRe   = regexp.MustCompile(`(?i)<\s*(p|div|br|span|html|body|a|table|li)[\s>/]`)
)

// sanitizeText normalizes whitespace and strips markup out of rows whose text
// is an HTML fragment. Tabular exports mix plain text with scraped pages.
func sanitizeText(text string) string {
	if htmlTagRe.MatchString(text) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			doc.Find("script, style").Each(func(i int, s *goquery.Selection) {
				s.Remove()
			})
			text = doc.Text()
		}
	}

	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// extractEntities pulls person/organization/place mentions out of the text
// with prose NER, deduplicated by normalized name.
func extractEntities(text string, maxEntities int) []string {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithTagging(true),
		prose.WithExtraction(true),
	)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var entities []string

	for _, ent := range doc.Entities() {
		name := normalizeEntityName(ent.Text)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		entities = append(entities, name)
		if maxEntities > 0 && len(entities) >= maxEntities {
			break
		}
	}

	return entities
}

func normalizeEntityName(name string) string {
	name = whitespaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.Trim(name, ".,;:!?'\"()")
	if len(name) < 2 {
		return ""
	}
	return name
}

// inferDocType tags the document from filename hints, falling back to content
// keywords.
func inferDocType(id, text string) string {
	lower := strings.ToLower(id)
	for _, docType := range []string{"report", "testimony", "article", "transcript", "filing"} {
		if strings.Contains(lower, docType) {
			return docType
		}
	}

	head := strings.ToLower(text)
	if len(head) > 400 {
		head = head[:400]
	}
	switch {
	case strings.Contains(head, "testimony") || strings.Contains(head, "witness"):
		return "testimony"
	case strings.Contains(head, "executive summary") || strings.Contains(head, "findings"):
		return "report"
	default:
		return "unknown"
	}
}

// timestampToken extracts the date token embedded in the source filename.
func timestampToken(id string) string {
	return timestampRe.FindString(id)
}
