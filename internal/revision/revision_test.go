package revision

import "testing"

func TestParseDefaultsToZero(t *testing.T) {
	cases := []string{"", "garbage", "1", "1.", ".2", "-1.0", "1.-2", "a.b"}
	for _, in := range cases {
		if rev := Parse(in); rev.Major != 0 || rev.Minor != 0 {
			t.Fatalf("Parse(%q) = %v, expected 0.0", in, rev)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	rev := Parse("12.34")
	if rev.Major != 12 || rev.Minor != 34 {
		t.Fatalf("Parse(12.34) = %v", rev)
	}
	if rev.String() != "12.34" {
		t.Fatalf("String() = %q", rev.String())
	}
}

func TestIncrement(t *testing.T) {
	cases := []struct {
		current, kind, explicit, want string
	}{
		{"0.0", "minor", "", "0.1"},
		{"", "minor", "", "0.1"},
		{"5.0", "minor", "", "5.1"},
		{"5.1", "major", "", "6.0"},
		{"0.0", "major", "5", "5.0"},
		{"3.7", "major", "", "4.0"},
		{"3.7", "major", "notanumber", "4.0"},
		{"3.7", "major", "-2", "4.0"},
		{"unparseable", "major", "", "1.0"},
		{"2.9", "anythingelse", "", "2.10"},
	}
	for _, tc := range cases {
		got := Increment(tc.current, tc.kind, tc.explicit)
		if got != tc.want {
			t.Fatalf("Increment(%q, %q, %q) = %q, want %q", tc.current, tc.kind, tc.explicit, got, tc.want)
		}
	}
}

func TestMajorThenMinorYieldsDotOne(t *testing.T) {
	bumped := Increment("7.4", KindMajor, "")
	if bumped != "8.0" {
		t.Fatalf("major bump = %q", bumped)
	}
	next := Increment(bumped, "minor", "")
	if next != "8.1" {
		t.Fatalf("minor after major = %q, want 8.1", next)
	}
}
