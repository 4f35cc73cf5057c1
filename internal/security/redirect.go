package security

import (
	"net/url"
	"strings"
)

// SafeNext returns next when it is a same-origin relative path, otherwise
// fallback. Absolute URLs, scheme-relative ("//host") and backslash tricks
// are all rejected.
func SafeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") {
		return fallback
	}
	if strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return fallback
	}
	for _, c := range next {
		if c < 0x20 || c == 0x7f {
			return fallback
		}
	}

	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return fallback
	}
	return next
}
