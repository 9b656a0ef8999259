package ffshare

import "testing"

// Accepts relative paths, rejects absolute paths and any .. component.
func TestIsLocalPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"out.png", true},
		{"./a/b", true},
		{"a/b/./c", true},
		{"foo", true},
		{"/etc/passwd", false},
		{"a/../b", false},
		{"..", false},
		{"", false},
		{"../../etc/shadow", false},
		{"a/b/..", false},
	}
	for _, c := range cases {
		got := IsLocalPath(c.path)
		if got != c.want {
			t.Errorf("IsLocalPath(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
