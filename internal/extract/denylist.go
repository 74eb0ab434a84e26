package extract

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

var deniedExtensions = map[string]struct{}{
	".pdf": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {},
	".webp": {}, ".ico": {}, ".css": {}, ".js": {}, ".zip": {}, ".doc": {},
	".docx": {}, ".xls": {}, ".xlsx": {}, ".mp4": {}, ".mp3": {}, ".xml": {},
}

// deniedDomains are social networks, search engines and platforms that never
// host a camp provider's own site.
var deniedDomains = []string{
	"facebook.com", "instagram.com", "twitter.com", "x.com", "linkedin.com",
	"youtube.com", "youtu.be", "tiktok.com", "pinterest.com", "threads.net",
	"google.com", "googleusercontent.com", "gstatic.com", "bing.com",
	"yahoo.com", "duckduckgo.com", "wikipedia.org", "apple.com",
	"amazon.com", "eventbrite.com", "goo.gl", "bit.ly",
}

var deniedPathSegments = []string{
	"login", "log-in", "signin", "sign-in", "signup", "sign-up", "register",
	"account", "my-account", "cart", "checkout", "privacy", "privacy-policy",
	"terms", "terms-of-service", "terms-of-use", "cookie-policy", "legal",
}

// Denied reports whether u points at an asset, a social network or search
// engine, or an account or legal page.
func Denied(u *url.URL) bool {
	if _, ok := deniedExtensions[strings.ToLower(path.Ext(u.Path))]; ok {
		return true
	}
	domain := urlnorm.BareHost(u.Hostname())
	if matchesDomain(domain, deniedDomains) {
		return true
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		for _, denied := range deniedPathSegments {
			if seg == denied {
				return true
			}
		}
	}
	return false
}

// DeniedURL is Denied for a raw address. Unparseable input is denied.
func DeniedURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	return Denied(u)
}

// knownDirectories are aggregator sites that list many camps.
var knownDirectories = []string{
	"activityhero.com", "sawyer.com", "mysummercamps.com", "acacamps.org",
	"kidscamps.com", "summercamps.com", "campnavigator.com", "campchannel.com",
	"camppage.com", "yelp.com", "mommypoppins.com", "macaronikid.com",
	"redtri.com", "care.com", "winnie.com", "campsearch.com",
}

// IsKnownDirectory reports whether domain belongs to a known aggregator.
func IsKnownDirectory(domain string) bool {
	return matchesDomain(urlnorm.BareHost(domain), knownDirectories)
}

var listingTitleWords = []string{"best", "top", "directory", "guide", "list of", "camps in", "camps near"}

var listingPathWords = []string{
	"directory", "directories", "listing", "listings", "list", "lists", "guide", "guides", "best", "top",
}

// LooksLikeListing guesses whether a page lists several organizations. Words
// match whole: "/camp-list" counts, "/playlist" does not.
func LooksLikeListing(rawURL, title string) bool {
	if containsWord(words(title), listingTitleWords) {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil {
		p := strings.ToLower(u.Path)
		if strings.Contains(p, "/camps/") || containsWord(words(p), listingPathWords) {
			return true
		}
	}
	return false
}

// words lowercases s and rejoins its letter/digit runs with single spaces,
// padded so every word is space-delimited.
func words(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

func containsWord(text string, list []string) bool {
	for _, w := range list {
		if strings.Contains(text, " "+w+" ") {
			return true
		}
	}
	return false
}

func matchesDomain(domain string, list []string) bool {
	for _, d := range list {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
