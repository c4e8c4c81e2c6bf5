package version

import "testing"

func TestString(t *testing.T) {
	old := [3]string{Version, GitSHA, BuildTime}
	defer func() { Version, GitSHA, BuildTime = old[0], old[1], old[2] }()

	Version, GitSHA, BuildTime = "v0.3.1", "abc1234", "2026-03-02T09:00:00Z"
	want := "course-bridge v0.3.1 (abc1234, built 2026-03-02T09:00:00Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
