package fetch

import (
	"net/url"
	"strings"
)

// Interstitial kinds.
const (
	InterstitialNone    = ""
	InterstitialConsent = "consent"
	InterstitialCaptcha = "captcha"
)

var captchaMarkers = []string{
	"unusual traffic from your computer network",
	"g-recaptcha",
	"recaptcha/api",
	"hcaptcha.com",
	"cf-challenge",
	"challenge-platform",
	"<title>just a moment...</title>",
	"are you a robot",
}

var consentMarkers = []string{
	"before you continue to google",
	"consent.google.com",
	"id=\"onetrust-banner-sdk\"",
	"we use cookies",
	"accept all cookies",
}

// DetectInterstitial reports whether html is a consent or CAPTCHA page
// standing in front of the requested content.
func DetectInterstitial(rawURL, html string) string {
	if u, err := url.Parse(rawURL); err == nil {
		host := strings.ToLower(u.Hostname())
		switch {
		case strings.HasPrefix(host, "consent."):
			return InterstitialConsent
		case strings.HasSuffix(u.Path, "/sorry/index") || strings.HasPrefix(u.Path, "/sorry/"):
			return InterstitialCaptcha
		}
	}
	lower := strings.ToLower(html)
	for _, m := range captchaMarkers {
		if strings.Contains(lower, m) {
			return InterstitialCaptcha
		}
	}
	for _, m := range consentMarkers {
		if strings.Contains(lower, m) {
			return InterstitialConsent
		}
	}
	return InterstitialNone
}

// DismissConsentJS clicks the first visible accept button and reports
// whether one was found.
const DismissConsentJS = `(() => {
  const labels = ["accept all", "i agree", "agree", "accept", "allow all", "got it"];
  const buttons = Array.from(document.querySelectorAll("button, input[type=submit], a[role=button]"));
  for (const label of labels) {
    const match = buttons.find(b => (b.innerText || b.value || "").trim().toLowerCase() === label);
    if (match) { match.click(); return true; }
  }
  return false;
})()`
