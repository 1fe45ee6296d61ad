// Package listing parses exchange result listing pages and walks their pagination.
package listing

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/spimex-pipeline/internal/trading"
)

const (
	itemSelector     = "div.accordeon-inner__item"
	linkSelector     = "a.accordeon-inner__item-title.link.xls"
	dateSelector     = ".accordeon-inner__item-inner__title span"
	nextPageSelector = "li.bx-pag-next a"
)

var datePattern = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)

// Page is the parsed content of one listing page.
type Page struct {
	Links []trading.Link
	// Next is the absolute URL of the following page, empty on the last page.
	Next string
}

// Parser extracts report links from listing markup.
type Parser struct {
	// Domain resolves document hrefs; nil resolves against the page URL.
	Domain *url.URL
}

// NewParser builds a Parser resolving links against baseDomain.
func NewParser(baseDomain string) (*Parser, error) {
	if strings.TrimSpace(baseDomain) == "" {
		return &Parser{}, nil
	}
	u, err := url.Parse(baseDomain)
	if err != nil {
		return nil, fmt.Errorf("parse base domain: %w", err)
	}
	return &Parser{Domain: u}, nil
}

// Parse reads one listing page. Items without a link or date are returned with the field
// empty so the caller can account for them.
func (p *Parser) Parse(pageURL *url.URL, body io.Reader) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return Page{}, fmt.Errorf("parse listing html: %w", err)
	}

	linkBase := p.Domain
	if linkBase == nil {
		linkBase = pageURL
	}

	var page Page
	doc.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
		link := trading.Link{TradeDate: extractDate(item)}
		if href, ok := item.Find(linkSelector).First().Attr("href"); ok {
			link.URL = resolve(linkBase, href)
		}
		page.Links = append(page.Links, link)
	})

	if href, ok := doc.Find(nextPageSelector).First().Attr("href"); ok {
		page.Next = resolve(pageURL, href)
	}
	return page, nil
}

func extractDate(item *goquery.Selection) string {
	if found := datePattern.FindString(item.Find(dateSelector).First().Text()); found != "" {
		return found
	}
	return datePattern.FindString(item.Text())
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
