package rbac

import (
	"path"
	"strings"
)

// MatchResource checks whether a resource identifier matches a permission's
// resource pattern. Resources are hierarchical, /-separated names:
//
//   - Exact match: "orders/42" matches only "orders/42"
//   - Single-segment wildcard: "orders/*" matches "orders/42" but not
//     "orders/42/items"
//   - Recursive wildcard: "orders/**" matches everything under orders
//   - Universal: "**" matches any resource
//   - Interior recursive: "orders/**/status" matches "orders/status",
//     "orders/42/status", "orders/eu/42/status"
//   - Character wildcard: "?" matches a single non-slash character
//
// The single-segment wildcard "*" never crosses a "/" boundary; use "**"
// to match across hierarchy levels. Malformed patterns match nothing, so a
// broken rule can never grant access.
func MatchResource(pattern, resource string) bool {
	if pattern == "**" {
		return true
	}

	// No recursive wildcard: path.Match handles * and ? per segment.
	if !strings.Contains(pattern, "**") {
		return matchGlob(pattern, resource)
	}

	// Trailing recursive: "orders/**". The prefix may itself hold globs.
	if strings.HasSuffix(pattern, "/**") {
		prefix := pattern[:len(pattern)-3]
		if matchGlob(prefix, resource) {
			return true
		}
		return hasMatchingPrefix(prefix, resource)
	}

	// Leading recursive: "**/status".
	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		if matchGlob(suffix, resource) {
			return true
		}
		return hasMatchingSuffix(suffix, resource)
	}

	// Interior recursive: split on the first /**/ and match both halves.
	separatorIndex := strings.Index(pattern, "/**/")
	if separatorIndex >= 0 {
		prefix := pattern[:separatorIndex]
		suffix := pattern[separatorIndex+4:]

		// Zero segments consumed: prefix and suffix are adjacent.
		if matchGlob(prefix+"/"+suffix, resource) {
			return true
		}

		prefixDepth := strings.Count(prefix, "/") + 1
		suffixDepth := strings.Count(suffix, "/") + 1
		segments := strings.Split(resource, "/")

		if len(segments) < prefixDepth+1+suffixDepth {
			return false
		}
		if !matchGlob(prefix, strings.Join(segments[:prefixDepth], "/")) {
			return false
		}
		if !matchGlob(suffix, strings.Join(segments[len(segments)-suffixDepth:], "/")) {
			return false
		}
		// Segments consumed by ** must be non-empty.
		for _, segment := range segments[prefixDepth : len(segments)-suffixDepth] {
			if segment == "" {
				return false
			}
		}
		return true
	}

	// A ** embedded inside a segment ("or**rs", "**x") is not a hierarchy
	// wildcard. Reject rather than guess.
	return false
}

// matchGlob wraps path.Match, treating malformed patterns as no-match.
func matchGlob(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}

func hasMatchingPrefix(pattern, resource string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.SplitN(resource, "/", depth+1)
	if len(segments) <= depth {
		return false
	}
	return matchGlob(pattern, strings.Join(segments[:depth], "/"))
}

func hasMatchingSuffix(pattern, resource string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.Split(resource, "/")
	if len(segments) <= depth {
		return false
	}
	return matchGlob(pattern, strings.Join(segments[len(segments)-depth:], "/"))
}

// CompareSpecificity orders two resource patterns by how specific they are:
// positive when a is more specific than b, negative when b wins, zero on a
// tie. When one resource matches conflicting allow and deny rules, the more
// specific pattern decides; ties fall to deny.
//
// Ordering, most significant first: fewer recursive wildcards, more fully
// literal segments, more total segments, fewer *, fewer ?, longer literal
// text.
func CompareSpecificity(a, b string) int {
	sa, sb := patternStats(a), patternStats(b)

	if sa.recursive != sb.recursive {
		return sb.recursive - sa.recursive
	}
	if sa.literalSegments != sb.literalSegments {
		return sa.literalSegments - sb.literalSegments
	}
	if sa.segments != sb.segments {
		return sa.segments - sb.segments
	}
	if sa.stars != sb.stars {
		return sb.stars - sa.stars
	}
	if sa.questions != sb.questions {
		return sb.questions - sa.questions
	}
	return sa.literalChars - sb.literalChars
}

type stats struct {
	recursive       int
	segments        int
	literalSegments int
	stars           int
	questions       int
	literalChars    int
}

func patternStats(pattern string) stats {
	var s stats
	for _, segment := range strings.Split(pattern, "/") {
		s.segments++
		if segment == "**" {
			s.recursive++
			continue
		}
		if !strings.ContainsAny(segment, "*?") {
			s.literalSegments++
		}
		for _, r := range segment {
			switch r {
			case '*':
				s.stars++
			case '?':
				s.questions++
			default:
				s.literalChars++
			}
		}
	}
	return s
}
