package entity

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Type tags. The first character of a TSID identifies the entity type;
// equal TSIDs denote the same entity forever.
const (
	TagLocation      = 'L'
	TagGeometry      = 'G'
	TagPlayer        = 'P'
	TagItem          = 'I'
	TagBag           = 'B'
	TagGroup         = 'R'
	TagQuest         = 'Q'
	TagDataContainer = 'D'
)

// tsidAlphabet is the base-32 alphabet used for the minted suffix.
const tsidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUV"

// TopLevelTag reports whether entities of this type get their own shard
// placement. Non-top-level entities inherit placement from their
// container or owner.
func TopLevelTag(tag byte) bool {
	return tag == TagLocation || tag == TagGeometry || tag == TagGroup
}

// ValidTag reports whether tag is a known entity type tag.
func ValidTag(tag byte) bool {
	switch tag {
	case TagLocation, TagGeometry, TagPlayer, TagItem, TagBag, TagGroup, TagQuest, TagDataContainer:
		return true
	}
	return false
}

// TagOf returns the type tag of a TSID.
func TagOf(tsid string) (byte, error) {
	if !ValidTSID(tsid) {
		return 0, fmt.Errorf("invalid tsid %q", tsid)
	}
	return tsid[0], nil
}

// ValidTSID reports whether s is a well-formed TSID: a known type tag
// followed by a non-empty suffix of digits and uppercase letters.
// Minted suffixes draw from the 32-character subset; imported and
// hand-assigned ids may use the full range.
func ValidTSID(s string) bool {
	if len(s) < 2 || !ValidTag(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// Suffix returns the TSID without its type tag. A location and its
// geometry share the same suffix.
func Suffix(tsid string) string {
	if len(tsid) < 1 {
		return ""
	}
	return tsid[1:]
}

// NewTSID mints a fresh TSID for the given type tag. The suffix encodes
// the mint time plus random bits, so collisions are practically
// impossible within one shard fleet.
func NewTSID(tag byte) string {
	var b strings.Builder
	b.WriteByte(tag)
	b.WriteString(encodeBase32(uint64(time.Now().UnixMilli())))
	b.WriteString(encodeBase32(rand.Uint64() & 0xffffffff))
	return b.String()
}

func encodeBase32(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [13]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = tsidAlphabet[v&31]
		v >>= 5
	}
	return string(buf[i:])
}
