package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// ContactSchema requests the contact fields of an organization.
var ContactSchema = llm.Schema{
	Name:        "contact_info",
	Description: "Primary contact details of the organization that owns this website.",
	Properties: map[string]any{
		"email":        map[string]any{"type": "string", "description": "General or registration email address"},
		"phone":        map[string]any{"type": "string", "description": "Main phone number"},
		"contactName":  map[string]any{"type": "string", "description": "Name of a director or primary contact"},
		"contactTitle": map[string]any{"type": "string", "description": "Role of the primary contact"},
		"address":      map[string]any{"type": "string", "description": "Mailing or street address"},
	},
}

// ContactInstruction accompanies ContactSchema.
const ContactInstruction = "Find the organization's contact information. " +
	"Look in the header, the footer and any contact or about section. " +
	"Leave out fields that are not on the page."

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)
)

// HeuristicContact pulls an email and phone number out of html without a
// model. It reads mailto: and tel: links first, then the visible text.
func HeuristicContact(html string) queue.ContactInfo {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return queue.ContactInfo{}
	}
	var info queue.ContactInfo
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		lower := strings.ToLower(href)
		switch {
		case info.Email == "" && strings.HasPrefix(lower, "mailto:"):
			addr := href[len("mailto:"):]
			if i := strings.IndexByte(addr, '?'); i >= 0 {
				addr = addr[:i]
			}
			if decoded, err := url.PathUnescape(addr); err == nil {
				addr = decoded
			}
			info.Email = strings.TrimSpace(addr)
		case info.Phone == "" && strings.HasPrefix(lower, "tel:"):
			info.Phone = strings.TrimSpace(href[len("tel:"):])
		}
		return info.Email == "" || info.Phone == ""
	})

	doc.Find("script, style, noscript").Remove()
	text := doc.Text()
	if info.Email == "" {
		info.Email = emailPattern.FindString(text)
	}
	if info.Phone == "" {
		info.Phone = phonePattern.FindString(text)
	}
	return info
}
