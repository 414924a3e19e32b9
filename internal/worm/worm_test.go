package worm

import "testing"

func TestIsAppendOnly(t *testing.T) {
	p := New([]string{"/logs", "/archive/2024"})

	cases := []struct {
		path string
		want bool
	}{
		{"/logs", true},
		{"/logs/a.txt", true},
		{"/logs/sub/dir/a.txt", true},
		{"/logsextra", false}, // prefix match must be a path boundary
		{"/archive/2024", true},
		{"/archive/2024/jan.txt", true},
		{"/archive/2023/jan.txt", false},
		{"/outside.txt", false},
		{"/", false},
	}
	for _, c := range cases {
		if got := p.IsAppendOnly(c.path); got != c.want {
			t.Errorf("IsAppendOnly(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestNewIgnoresEmptyEntries(t *testing.T) {
	p := New([]string{"", "/logs", ""})
	if len(p.Prefixes()) != 1 {
		t.Fatalf("expected 1 prefix, got %v", p.Prefixes())
	}
}

func TestNilPolicy(t *testing.T) {
	var p *Policy
	if p.IsAppendOnly("/anything") {
		t.Fatal("nil policy must report no WORM paths")
	}
}
