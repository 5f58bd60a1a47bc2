package pipeline

import (
	"net/url"
	"strings"
)

// normalizeURL reduces a job-posting URL to lowercase host plus path,
// dropping the scheme, a leading www, query parameters, fragments, and any
// trailing slash. Tracking-parameter variants of the same posting normalize
// to the same value.
func normalizeURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	path := strings.TrimRight(u.Path, "/")
	return host + path, true
}

// urlsMatch reports whether two URLs refer to the same job posting: an exact
// match, or the same normalized host with one path a prefix of the other
// (multi-page postings like /jobs/42 and /jobs/42/apply).
func urlsMatch(a, b string) bool {
	if a == b {
		return true
	}

	na, okA := normalizeURL(a)
	nb, okB := normalizeURL(b)
	if !okA || !okB {
		return false
	}
	if na == nb {
		return true
	}

	shorter, longer := na, nb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	return strings.HasPrefix(longer, shorter+"/")
}

// findDuplicate returns the first live session of the owner matching the
// URL, exactly or by normalized prefix. Soft-deleted sessions never match.
// Exact matches win over fuzzy ones when both exist.
func findDuplicate(sessions []*Session, sourceURL string) *Session {
	var fuzzy *Session
	for _, s := range sessions {
		if s.Deleted() {
			continue
		}
		if s.SourceURL == sourceURL {
			return s
		}
		if fuzzy == nil && urlsMatch(s.SourceURL, sourceURL) {
			fuzzy = s
		}
	}
	return fuzzy
}
