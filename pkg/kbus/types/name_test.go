package types

import "testing"

func TestValidLiteral(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"$.Fred.Jim", true},
		{"$.A", true},
		{"$", false},
		{"Fred.Jim", false},
		{"$.Fred.*", false},
		{"$.Fred..Jim", false},
	}
	for _, c := range cases {
		err := Name(c.name).ValidLiteral(1000)
		if (err == nil) != c.ok {
			t.Errorf("ValidLiteral(%q) error = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestValidBindingAllowsTrailingWildcard(t *testing.T) {
	for _, p := range []string{"$.Fred.*", "$.Fred.%", "$.Fred.Jim"} {
		if err := Pattern(p).ValidBinding(1000); err != nil {
			t.Errorf("ValidBinding(%q) = %v, want nil", p, err)
		}
	}
	if err := Pattern("$.Fred.*.Jim").ValidBinding(1000); err == nil {
		t.Errorf("ValidBinding(%q) should reject a non-trailing wildcard", "$.Fred.*.Jim")
	}
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern, literal string
		want             bool
	}{
		{"$.Fred.*", "$.Fred.Jim", true},
		{"$.Fred.*", "$.Fred.Jim.Bob", true},
		// "*" matches any continuation including empty (spec §3), so a
		// trailing wildcard also matches the bare prefix it follows.
		{"$.Fred.*", "$.Fred", true},
		{"$.Fred.%", "$.Fred.Jim", true},
		{"$.Fred.%", "$.Fred.Jim.Bob", false},
		{"$.Fred.Jim", "$.Fred.Jim", true},
		{"$.Fred.Jim", "$.Fred.Bob", false},
		{"$.%.Jim", "$.Fred.Jim", true},
	}
	for _, c := range cases {
		got := Pattern(c.pattern).Matches(Name(c.literal))
		if got != c.want {
			t.Errorf("Pattern(%q).Matches(%q) = %v, want %v", c.pattern, c.literal, got, c.want)
		}
	}
}

func TestPatternIntersects(t *testing.T) {
	cases := []struct {
		p, q string
		want bool
	}{
		{"$.Fred.*", "$.Fred.Jim", true},
		{"$.Fred.*", "$.Bob.Jim", false},
		{"$.Fred.%", "$.Fred.Jim", true},
		{"$.Fred.%", "$.Fred.Jim.Bob", false},
		{"$.Fred.Jim", "$.Fred.Jim", true},
		{"$.Fred.Jim", "$.Fred.Bob", false},
		{"$.*", "$.Fred.Bob.Whatever", true},
	}
	for _, c := range cases {
		got := Pattern(c.p).Intersects(Pattern(c.q))
		if got != c.want {
			t.Errorf("Pattern(%q).Intersects(%q) = %v, want %v", c.p, c.q, got, c.want)
		}
		if rev := Pattern(c.q).Intersects(Pattern(c.p)); rev != c.want {
			t.Errorf("Intersects should be symmetric: Pattern(%q).Intersects(%q) = %v, want %v", c.q, c.p, rev, c.want)
		}
	}
}

func TestIsReserved(t *testing.T) {
	if !Name("$.KBUS.ReplierBindEvent").IsReserved() {
		t.Error("expected $.KBUS. prefix to be reserved")
	}
	if Name("$.Fred.Jim").IsReserved() {
		t.Error("did not expect an ordinary name to be reserved")
	}
}
