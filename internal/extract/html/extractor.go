// Package html extracts article fields and hyperlinks from HTML pages
// using goquery.
package html

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrapeline/scrapeline/internal/etl"
	"github.com/scrapeline/scrapeline/internal/ingest"
)

// nonContentSelectors lists elements stripped before extracting body text.
const nonContentSelectors = "script, style, nav, header, footer"

// Extractor parses HTML into the flat field map the transform stage expects.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses the page and returns its fields plus every hyperlink found,
// unresolved. Non-HTML content is rejected.
func (e *Extractor) Extract(body []byte, contentType string) (ingest.Document, error) {
	if contentType != "" && !strings.Contains(contentType, "html") {
		return ingest.Document{}, fmt.Errorf("unsupported content type %q", contentType)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ingest.Document{}, fmt.Errorf("parse html: %w", err)
	}

	fields := map[string]string{
		etl.FieldTitle:  pageTitle(doc),
		etl.FieldAuthor: metaAuthor(doc),
		etl.FieldTags:   metaKeywords(doc),
		etl.FieldText:   bodyText(doc),
	}
	return ingest.Document{
		Fields: fields,
		Links:  hyperlinks(doc),
	}, nil
}

// pageTitle prefers <title>, falling back to og:title.
func pageTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists {
		return strings.TrimSpace(ogTitle)
	}
	return ""
}

func metaAuthor(doc *goquery.Document) string {
	if author, exists := doc.Find("meta[name='author']").Attr("content"); exists {
		return strings.TrimSpace(author)
	}
	return ""
}

func metaKeywords(doc *goquery.Document) string {
	if keywords, exists := doc.Find("meta[name='keywords']").Attr("content"); exists {
		return strings.TrimSpace(keywords)
	}
	return ""
}

// bodyText prefers <article> content; falls back to <body> with non-content
// elements stripped.
func bodyText(doc *goquery.Document) string {
	article := doc.Find("article").First()
	if article.Length() > 0 {
		article.Find(nonContentSelectors).Remove()
		return strings.TrimSpace(article.Text())
	}

	body := doc.Find("body").First()
	if body.Length() > 0 {
		body.Find(nonContentSelectors).Remove()
		return strings.TrimSpace(body.Text())
	}
	return ""
}

// hyperlinks collects every non-empty href, skipping fragments and
// non-navigational schemes. Resolution against the page URL happens
// downstream.
func hyperlinks(doc *goquery.Document) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
			return
		}
		links = append(links, href)
	})
	return links
}
