// Package extract turns fetched pages into candidate organization URLs and
// contact records.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

// Filter narrows the links taken from a directory page.
type Filter struct {
	// LinkPattern is a regular expression tested against both the resolved
	// URL and the anchor text. Empty accepts every link.
	LinkPattern string
	// BaseURLFilter keeps only links whose domain contains this substring.
	BaseURLFilter string
}

// Link is one outbound candidate found on a page.
type Link struct {
	URL    string
	Domain string
	Text   string
}

// ExtractDirectoryLinks scans the anchors of a directory page and returns one
// link per external domain, in document order.
func ExtractDirectoryLinks(html, sourceURL string, filter Filter) ([]Link, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	var pattern *regexp.Regexp
	if filter.LinkPattern != "" {
		pattern, err = regexp.Compile(filter.LinkPattern)
		if err != nil {
			return nil, fmt.Errorf("compile link pattern: %w", err)
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse directory html: %w", err)
	}

	ownDomain := urlnorm.BareHost(base.Hostname())
	baseFilter := strings.ToLower(filter.BaseURLFilter)
	seen := make(map[string]struct{})
	var links []Link

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolve(base, href)
		if !ok {
			return
		}
		domain := urlnorm.BareHost(resolved.Hostname())
		if domain == "" || domain == ownDomain {
			return
		}
		if baseFilter != "" && !strings.Contains(domain, baseFilter) {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if pattern != nil && !pattern.MatchString(resolved.String()) && !pattern.MatchString(text) {
			return
		}
		if Denied(resolved) {
			return
		}
		if _, dup := seen[domain]; dup {
			return
		}
		seen[domain] = struct{}{}
		link := resolved.String()
		if normalized, err := urlnorm.NormalizeURL(link); err == nil {
			link = normalized
		}
		links = append(links, Link{URL: link, Domain: domain, Text: text})
	})
	return links, nil
}

// URLs flattens links to their addresses.
func URLs(links []Link) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.URL)
	}
	return out
}

// resolve makes href absolute against base. Non-http schemes and
// fragment-only links are rejected.
func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}
