package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := Key("ivo://CDS/P/DSS2/color", "tile", "ivo://CDS/P/DSS2/color|Norder3|Npix257|ch0|jpg")
	k2 := Key("ivo://CDS/P/DSS2/color", "tile", "ivo://CDS/P/DSS2/color|Norder3|Npix257|ch0|jpg")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestKeyShape(t *testing.T) {
	k := Key(" ivo://CDS/P/DSS2/color ", "tile", "x")
	if !regexp.MustCompile(`^hips:[A-Za-z0-9_.\-]+:tile:h=[0-9a-f]{16}$`).MatchString(k) {
		t.Fatalf("unexpected key shape: %s", k)
	}
	if !strings.HasPrefix(k, "hips:ivo-CDS-P-DSS2-color:") {
		t.Fatalf("survey part not sanitized as expected: %s", k)
	}
	if !strings.HasPrefix(k, strings.TrimSuffix(SurveyPattern("ivo://CDS/P/DSS2/color"), "*")) {
		t.Fatalf("pattern %s does not match %s", SurveyPattern("ivo://CDS/P/DSS2/color"), k)
	}
}

func TestDifference_DifferentIDsAreDifferent(t *testing.T) {
	k1 := Key("s", "tile", "s|Norder1|Npix23|ch0|png")
	k2 := Key("s", "tile", "s|Norder12|Npix3|ch0|png")
	if k1 == k2 {
		t.Fatalf("different ids must produce different keys")
	}
}

func TestUnicodeSafety_NoPanicAndLengthBound(t *testing.T) {
	k := Key("Göteborg 雪 "+strings.Repeat("x", 300), "allsky", "id")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if len(k) > 140 {
		t.Fatalf("key too long: %d", len(k))
	}
}
