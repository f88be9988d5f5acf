package task

import "testing"

func TestNormalizeSentinel(t *testing.T) {
	cases := map[string]string{
		"":        Unspecified,
		"None":    Unspecified,
		"none":    Unspecified,
		"null":    Unspecified,
		"nil":     Unspecified,
		"2020-01-01": "2020-01-01",
	}
	for in, want := range cases {
		if got := NormalizeSentinel(in); got != want {
			t.Errorf("NormalizeSentinel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindCalendar, KindInstrument, KindFeature} {
		if !k.Valid() {
			t.Errorf("Kind(%q).Valid() = false, want true", k)
		}
	}
	if Kind("bogus").Valid() {
		t.Error(`Kind("bogus").Valid() = true, want false`)
	}
}
