package env

import (
	"testing"
	"time"
)

func TestFallbacks(t *testing.T) {
	t.Setenv("TASKCHAT_INT", "nope")
	t.Setenv("TASKCHAT_DURATION", "-1s")
	t.Setenv("TASKCHAT_BOOL", "maybe")

	if got := String("TASKCHAT_UNSET", "x"); got != "x" {
		t.Fatalf("String fallback: %q", got)
	}
	if got := Int("TASKCHAT_INT", 7); got != 7 {
		t.Fatalf("Int fallback: %d", got)
	}
	if got := Duration("TASKCHAT_DURATION", time.Second); got != time.Second {
		t.Fatalf("Duration fallback: %s", got)
	}
	if got := Bool("TASKCHAT_BOOL", true); !got {
		t.Fatalf("Bool fallback: %v", got)
	}
}

func TestParsedValues(t *testing.T) {
	t.Setenv("TASKCHAT_INT", "42")
	t.Setenv("TASKCHAT_DURATION", "250ms")
	t.Setenv("TASKCHAT_BOOL", "true")

	if got := Int("TASKCHAT_INT", 0); got != 42 {
		t.Fatalf("Int: %d", got)
	}
	if got := Duration("TASKCHAT_DURATION", 0); got != 250*time.Millisecond {
		t.Fatalf("Duration: %s", got)
	}
	if got := Bool("TASKCHAT_BOOL", false); !got {
		t.Fatalf("Bool: %v", got)
	}
}
