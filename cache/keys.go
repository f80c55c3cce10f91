package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key builds the canonical lookup key for an idempotent read: identity scope,
// implicit GET, URL path, and the query in a stable order so equivalent
// requests with differently-ordered parameters collide to the same key.
func Key(rawurl string, query url.Values, scope string) string {
	var b strings.Builder
	b.WriteString(scope)
	b.WriteString("|GET|")

	u, err := url.Parse(rawurl)
	if err != nil {
		// Caller contract violation; keep the raw string so the key is
		// still deterministic.
		b.WriteString(rawurl)
	} else {
		b.WriteString(u.Host)
		b.WriteString(strings.TrimSuffix(u.Path, "/"))
		if u.RawQuery != "" {
			merged, _ := url.ParseQuery(u.RawQuery)
			query = mergeValues(query, merged)
		}
	}

	if enc := canonicalQuery(query); enc != "" {
		b.WriteString("?")
		b.WriteString(enc)
	}
	return b.String()
}

// canonicalQuery encodes values with sorted keys and, within a key, sorted
// values. url.Values.Encode sorts keys but preserves value order, which would
// make a=1&a=2 and a=2&a=1 distinct keys.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	sorted := make(url.Values, len(query))
	for k, vs := range query {
		cp := append([]string(nil), vs...)
		sort.Strings(cp)
		sorted[k] = cp
	}
	return sorted.Encode()
}

func mergeValues(a, b url.Values) url.Values {
	out := make(url.Values, len(a)+len(b))
	for k, vs := range a {
		out[k] = append(out[k], vs...)
	}
	for k, vs := range b {
		out[k] = append(out[k], vs...)
	}
	return out
}
