// Package brands holds the registry of voucher brands known to the extractor
// and to identity keying.
package brands

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Unknown is the brand recorded when nothing in the message identifies the merchant
const Unknown = "unknown"

// Profile describes how a brand issues its vouchers
type Profile struct {
	Name    string
	Aliases []string
	// LogoIDs are the identifiers found in logo URLs (/logo/<id>.png, /brands/<id>.png)
	LogoIDs []string
	// CaseInsensitiveCode is set when the merchant accepts codes in any case
	CaseInsensitiveCode bool
	// IssuesPin is false when the brand never issues a secondary PIN
	IssuesPin bool
}

var registry = []Profile{
	{Name: "Swiggy Money Voucher", Aliases: []string{"Swiggy"}, LogoIDs: []string{"344"}, IssuesPin: true},
	{Name: "Myntra", LogoIDs: []string{"72"}, IssuesPin: true},
	{Name: "Amazon Shopping Voucher", Aliases: []string{"Amazon"}, LogoIDs: []string{"510"}, CaseInsensitiveCode: true},
	{Name: "Amazon Pay Gift Card", Aliases: []string{"Amazon Pay"}, LogoIDs: []string{"1669891154334_1canbt2f4olb4y2t26"}, CaseInsensitiveCode: true},
	{Name: "Flipkart Gift Card", Aliases: []string{"Flipkart"}, LogoIDs: []string{"22"}, IssuesPin: true},
	{Name: "Dominos Pizza", Aliases: []string{"Domino's", "Dominos"}, LogoIDs: []string{"14"}, CaseInsensitiveCode: true},
	{Name: "Baskin Robbins", LogoIDs: []string{"19"}},
	{Name: "KFC", LogoIDs: []string{"25"}},
	{Name: "Pizza Hut", LogoIDs: []string{"26"}},
}

var (
	byName   = map[string]Profile{}
	byLogoID = map[string]Profile{}
	// detectKeys lists names and aliases in registry order
	detectKeys []detectKey
)

type detectKey struct {
	key     string
	profile Profile
}

func init() {
	for _, p := range registry {
		byName[fold(p.Name)] = p
		detectKeys = append(detectKeys, detectKey{fold(p.Name), p})
		for _, alias := range p.Aliases {
			byName[fold(alias)] = p
			detectKeys = append(detectKeys, detectKey{fold(alias), p})
		}
		for _, id := range p.LogoIDs {
			byLogoID[id] = p
		}
	}
}

// Lookup returns the profile registered under name or one of its aliases.
func Lookup(name string) (Profile, bool) {
	p, ok := byName[fold(name)]
	return p, ok
}

// ByLogoID returns the profile whose logo carries the given identifier.
func ByLogoID(id string) (Profile, bool) {
	p, ok := byLogoID[id]
	return p, ok
}

// ProfileFor returns the registered profile for name, or a conservative default
// (case-sensitive codes, PIN part of the identity) for unregistered brands.
func ProfileFor(name string) Profile {
	if p, ok := Lookup(name); ok {
		return p
	}
	return Profile{Name: name, IssuesPin: true}
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Detect finds the registered brand mentioned in free text such as a subject
// line. Names match on word boundaries; the earliest mention wins and, at the
// same position, the longest name.
func Detect(text string) (Profile, bool) {
	haystack := fold(text)
	var (
		best    Profile
		bestPos = -1
		bestLen int
	)
	for _, dk := range detectKeys {
		pos := indexWord(haystack, dk.key)
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos || (pos == bestPos && len(dk.key) > bestLen) {
			best, bestPos, bestLen = dk.profile, pos, len(dk.key)
		}
	}
	return best, bestPos >= 0
}

// indexWord returns the first index of word in s that is not part of a
// longer word, or -1.
func indexWord(s, word string) int {
	for offset := 0; offset <= len(s); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return -1
		}
		start, end := offset+i, offset+i+len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return start
		}
		offset = start + 1
	}
	return -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
