package licensing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGenerateKeyShape(t *testing.T) {
	short, err := GenerateKey(KeyFormatShort)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-HJ-NP-Z2-9]{5}(-[A-HJ-NP-Z2-9]{5}){2}$`, short)

	long, err := GenerateKey(KeyFormatLong)
	require.NoError(t, err)
	assert.Regexp(t, `^IPV-[A-HJ-NP-Z2-9]{5}(-[A-HJ-NP-Z2-9]{5}){4}$`, long)
}

func TestKeyVariants(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"abcde-fghjk-lmnpq", []string{"ABCDE-FGHJK-LMNPQ", "IPV-ABCDE-FGHJK-LMNPQ"}},
		{"IPV-AAAAA-BBBBB-CCCCC", []string{"IPV-AAAAA-BBBBB-CCCCC", "AAAAA-BBBBB-CCCCC"}},
		{"ipv-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", []string{
			"IPV-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE",
			"AAAAA-BBBBB-CCCCC-DDDDD-EEEEE",
			"AAAAA-BBBBB-CCCCC",
		}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KeyVariants(tc.in), tc.in)
	}
}

func TestGeneratedKeysResolveToThemselves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		format := rapid.SampledFrom([]string{KeyFormatShort, KeyFormatLong}).Draw(t, "format")
		key, err := GenerateKey(format)
		if err != nil {
			t.Fatal(err)
		}
		noisy := "  " + strings.ToLower(key) + "\n"
		if v := KeyVariants(noisy); len(v) == 0 || v[0] != key {
			t.Fatalf("variants of %q = %v", noisy, v)
		}
	})
}
