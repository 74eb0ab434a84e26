package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

// SearchResult is one organic result of a search engine page.
type SearchResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SearchResults is the shape requested from the extraction model.
type SearchResults struct {
	Results []SearchResult `json:"results"`
}

// SearchSchema asks the model for organic results.
var SearchSchema = llm.Schema{
	Name:        "search_results",
	Description: "Organic (non-sponsored) results of a search engine page.",
	Properties: map[string]any{
		"results": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":   map[string]any{"type": "string"},
					"title": map[string]any{"type": "string"},
				},
				"required": []string{"url"},
			},
		},
	},
	Required: []string{"results"},
}

// SearchInstruction accompanies SearchSchema.
const SearchInstruction = "List every organic search result on this page with its destination URL and title. " +
	"Skip ads, sponsored results, maps, image carousels and 'People also ask' entries."

// ExtractSearchResults scrapes result links from a search engine page. It is
// the fallback when structured extraction returns nothing.
func ExtractSearchResults(html string) []SearchResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []SearchResult
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		h3 := s.Find("h3")
		if h3.Length() == 0 {
			return
		}
		href, _ := s.Attr("href")
		target := resultTarget(href)
		if target == "" {
			return
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}
		out = append(out, SearchResult{
			URL:   target,
			Title: strings.Join(strings.Fields(h3.First().Text()), " "),
		})
	})
	return out
}

// resultTarget unwraps "/url?q=" redirects and drops links back to the
// search engine itself.
func resultTarget(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if u.Path == "/url" {
		for _, key := range []string{"q", "url"} {
			if v := u.Query().Get(key); v != "" {
				return resultTarget(v)
			}
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	domain := urlnorm.BareHost(u.Hostname())
	if domain == "google.com" || strings.HasSuffix(domain, ".google.com") {
		return ""
	}
	return u.String()
}
