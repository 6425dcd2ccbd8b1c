// Package dedup computes voucher identity keys and tracks which identities
// have already been seen during a sync run.
package dedup

import (
	"strings"

	"github.com/vipul43/voucher-worker/internal/brands"
	"github.com/vipul43/voucher-worker/internal/models"
)

// Key is the normalized (brand, code, pin) identity of a voucher.
// Pin is empty for brands that never issue one.
type Key struct {
	Brand string
	Code  string
	Pin   string
}

// String renders the key in the form persisted by SQL stores
func (k Key) String() string {
	return k.Brand + "|" + k.Code + "|" + k.Pin
}

// KeySet is a set of identity keys
type KeySet map[Key]struct{}

// Add inserts k into the set
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// Has reports whether k is in the set
func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// KeyOf computes the identity key of a voucher
func KeyOf(v models.Voucher) Key {
	return KeyFor(v.Brand, v.Code, v.Pin)
}

// KeyFor computes the identity key from raw brand, code and pin values as
// they appear in an email or in a persisted row.
func KeyFor(brand, code, pin string) Key {
	profile := brands.ProfileFor(brand)

	code = NormalizeCode(code)
	if profile.CaseInsensitiveCode {
		code = strings.ToUpper(code)
	}

	pin = NormalizeCode(pin)
	if !profile.IssuesPin {
		pin = ""
	}

	return Key{
		Brand: normalizeBrand(profile.Name),
		Code:  code,
		Pin:   pin,
	}
}

// NormalizeCode trims whitespace, drops the spreadsheet text marker and
// removes whitespace inside the code (emails sometimes split long codes).
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(code, "'")
	return strings.Join(strings.Fields(code), "")
}

func normalizeBrand(brand string) string {
	return strings.ToLower(strings.Join(strings.Fields(brand), " "))
}

// Index decides whether candidate vouchers are new. It is seeded once per
// run with every persisted identity; the first candidate seen for a key wins.
type Index struct {
	known KeySet
}

// NewIndex builds an index over the persisted identities
func NewIndex(existing KeySet) *Index {
	known := make(KeySet, len(existing))
	for k := range existing {
		known.Add(k)
	}
	return &Index{known: known}
}

// IsNew reports whether v's identity has not been seen yet
func (i *Index) IsNew(v models.Voucher) bool {
	return !i.known.Has(KeyOf(v))
}

// Add records v's identity and reports whether it was new
func (i *Index) Add(v models.Voucher) bool {
	k := KeyOf(v)
	if i.known.Has(k) {
		return false
	}
	i.known.Add(k)
	return true
}

// Len returns the number of known identities
func (i *Index) Len() int {
	return len(i.known)
}
