package dedupe

import (
	"strings"
	"unicode"
)

type componentRank int

const (
	rankPreRelease componentRank = iota + 1
	rankZero
	rankPostRelease
	rankNonZero
)

type versionComponent struct {
	rank  componentRank
	value string
}

var postReleaseKeywords = map[string]bool{
	"p":      true,
	"pl":     true,
	"patch":  true,
	"post":   true,
	"errata": true,
}

// CompareVersions orders two package version strings, returning -1, 0 or 1.
// Numeric components compare by value, letters start a pre-release
// ("1.0rc1" < "1.0") unless they are a post-release keyword ("1.0p1" > "1.0"),
// and missing trailing components count as zero ("1.0" == "1.0.0").
func CompareVersions(a, b string) int {
	left := splitVersion(a)
	right := splitVersion(b)
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	padding := versionComponent{rank: rankZero}
	for i := 0; i < n; i++ {
		l, r := padding, padding
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		if c := compareComponent(l, r); c != 0 {
			return c
		}
	}
	return 0
}

func compareComponent(a, b versionComponent) int {
	if a.rank != b.rank {
		if a.rank < b.rank {
			return -1
		}
		return 1
	}
	switch a.rank {
	case rankNonZero:
		if len(a.value) != len(b.value) {
			if len(a.value) < len(b.value) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.value, b.value)
	case rankPreRelease, rankPostRelease:
		return strings.Compare(a.value, b.value)
	default:
		return 0
	}
}

func splitVersion(v string) []versionComponent {
	var out []versionComponent
	runes := []rune(strings.ToLower(v))
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			digits := strings.TrimLeft(string(runes[i:j]), "0")
			if digits == "" {
				out = append(out, versionComponent{rank: rankZero})
			} else {
				out = append(out, versionComponent{rank: rankNonZero, value: digits})
			}
			i = j
		case unicode.IsLetter(r):
			j := i
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			rank := rankPreRelease
			if postReleaseKeywords[word] {
				rank = rankPostRelease
			}
			out = append(out, versionComponent{rank: rank, value: word})
			i = j
		default:
			i++
		}
	}
	return out
}
