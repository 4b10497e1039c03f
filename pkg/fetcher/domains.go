package fetcher

import "strings"

// nonNewsDomains are origins that never carry article content worth
// fetching: platforms, search engines, storefronts, link shorteners.
// Matching is by exact FQDN or any parent domain.
var nonNewsDomains = map[string]bool{
	"amazon.com":      true,
	"apple.com":       true,
	"archive.org":     true,
	"bit.ly":          true,
	"ebay.com":        true,
	"facebook.com":    true,
	"flickr.com":      true,
	"github.com":      true,
	"google.com":      true,
	"imgur.com":       true,
	"instagram.com":   true,
	"linkedin.com":    true,
	"pinterest.com":   true,
	"reddit.com":      true,
	"soundcloud.com":  true,
	"spotify.com":     true,
	"t.co":            true,
	"tiktok.com":      true,
	"tumblr.com":      true,
	"twitch.tv":       true,
	"twitter.com":     true,
	"vimeo.com":       true,
	"wikimedia.org":   true,
	"wikipedia.org":   true,
	"wordpress.com":   true,
	"x.com":           true,
	"yelp.com":        true,
	"youtube.com":     true,
	"youtu.be":        true,
}

// IsNonNewsDomain reports whether fqdn (or any parent domain) is in the
// non-news set
func IsNonNewsDomain(fqdn string) bool {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	for fqdn != "" {
		if nonNewsDomains[fqdn] {
			return true
		}
		i := strings.IndexByte(fqdn, '.')
		if i < 0 {
			return false
		}
		fqdn = fqdn[i+1:]
	}
	return false
}
