package passphrase

import "testing"

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("STABLEFI_TEST_PASS", "hunter2")
	src := NewSource("STABLEFI_TEST_PASS")
	got, err := src.Get()
	if err != nil || got != "hunter2" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	t.Setenv("STABLEFI_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("value must be cached, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("STABLEFI_TEST_PASS", "   ")
	if _, err := NewSource("STABLEFI_TEST_PASS", AllowEmpty()).Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}
