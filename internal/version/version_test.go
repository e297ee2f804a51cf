package version

import "testing"

func TestShortCommit(t *testing.T) {
	t.Parallel()

	if got := shortCommit("abc"); got != "abc" {
		t.Fatalf("short commit kept as-is: got %q", got)
	}
	if got := shortCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("long commit truncated: got %q", got)
	}
}

func TestResolveAlwaysHasVersion(t *testing.T) {
	t.Parallel()

	info := Resolve()
	if info.Version == "" {
		t.Fatal("expected a non-empty version")
	}
	if info.GoVersion == "" {
		t.Fatal("expected the Go runtime version")
	}
}
