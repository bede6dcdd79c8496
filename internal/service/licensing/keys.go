package licensing

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// keyAlphabet has no 0/O or 1/I so keys survive being read aloud.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	KeyFormatShort = "short" // XXXXX-XXXXX-XXXXX
	KeyFormatLong  = "long"  // IPV-XXXXX-XXXXX-XXXXX-XXXXX-XXXXX

	longKeyPrefix = "IPV-"
	segmentLen    = 5
)

// GenerateKey returns a random license key in the given format.
func GenerateKey(format string) (string, error) {
	n := 3
	if format == KeyFormatLong {
		n = 5
	}

	segments := make([]string, n)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range segments {
		var sb strings.Builder
		for j := 0; j < segmentLen; j++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			sb.WriteByte(keyAlphabet[idx.Int64()])
		}
		segments[i] = sb.String()
	}

	key := strings.Join(segments, "-")
	if format == KeyFormatLong {
		key = longKeyPrefix + key
	}
	return key, nil
}

// NormalizeKey upper-cases a presented key and strips whitespace.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToUpper(key)), "")
}

// KeyVariants lists the stored forms a presented key may match, most
// specific first: long keys are also tried without their prefix and
// truncated to three segments, short keys also with the prefix.
func KeyVariants(key string) []string {
	key = NormalizeKey(key)
	if key == "" {
		return nil
	}

	variants := []string{key}
	if rest, ok := strings.CutPrefix(key, longKeyPrefix); ok {
		variants = append(variants, rest)
		if segs := strings.Split(rest, "-"); len(segs) > 3 {
			variants = append(variants, strings.Join(segs[:3], "-"))
		}
	} else {
		variants = append(variants, longKeyPrefix+key)
	}
	return variants
}
