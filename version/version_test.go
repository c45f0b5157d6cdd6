package version

import "testing"

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, candidate string
		want               bool
	}{
		{"1.2.3", "1.2.4", true},
		{"1.2.3", "1.2.3", false},
		{"2.0.0", "1.9.9", false},
		{"1.9.9", "2.0.0", true},
		{"1.2", "1.2.0", false},
		{"1.2.0", "1.2", false},
		{"1.2", "1.2.1", true},
		{"", "0.0.1", true},
		{"0.0.0", "", false},
		{"1.10.0", "1.9.0", false},
		{"1.9.0", "1.10.0", true},
		{" 1.0.0\n", "1.0.1", true},
		{"v1.0.0", "0.0.1", true},
		{"1.2a.3", "1.0.3", false},
		{"1.2a.3", "1.0.4", true},
		{"1.0.0.9", "1.0.0", false},
		{"-1.0.0", "0.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.candidate, func(t *testing.T) {
			if got := IsNewer(tt.current, tt.candidate); got != tt.want {
				t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.current, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestIsNewerIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if !IsNewer("1.2.3", "1.2.4") {
			t.Fatalf("call %d returned a different result", i)
		}
	}
}

func TestParse(t *testing.T) {
	v := Parse("4.5.6")
	if v.Major != 4 || v.Minor != 5 || v.Patch != 6 {
		t.Errorf("Parse() = %v", v)
	}
	v = Parse("garbage")
	if v.Major != 0 || v.Minor != 0 || v.Patch != 0 {
		t.Errorf("Parse(garbage) = %v", v)
	}
}
