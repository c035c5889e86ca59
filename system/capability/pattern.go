package capability

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Pattern is a compiled glob-style resource pattern: `*` matches
// any run of characters except `/`, `**` matches any run including `/`,
// everything else is matched literally. Patterns are always matched
// against the full canonicalized resource string.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern compiles a glob pattern. Returns an error if pattern is
// empty.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, errEmptyPattern
	}
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString("(?:.*)")
			i += 2
		case pattern[i] == '*':
			sb.WriteString("[^/]*")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{raw: pattern, re: re}, nil
}

// String returns the original glob string.
func (p *Pattern) String() string { return p.raw }

// Match reports whether the canonicalized resource matches p.
func (p *Pattern) Match(canonicalResource string) bool {
	return p.re.MatchString(canonicalResource)
}

var errEmptyPattern = patternError("resource pattern must not be empty")

type patternError string

func (e patternError) Error() string { return string(e) }

// Canonicalize normalizes a resource string before pattern matching: forward
// slashes, a leading "./" stripped, and path.Clean; for URL-shaped
// resources a lower-cased scheme+host with the escaped path path.Clean-ed
// but its case preserved.
func Canonicalize(resource string) string {
	if u, err := url.Parse(resource); err == nil && u.Scheme != "" && u.Host != "" {
		scheme := strings.ToLower(u.Scheme)
		host := strings.ToLower(u.Host)
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		return scheme + "://" + host + path.Clean(p)
	}

	cleaned := strings.ReplaceAll(resource, "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "" {
		return cleaned
	}
	return path.Clean(cleaned)
}
