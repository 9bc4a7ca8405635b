package ratelimit

import (
	"context"
	"testing"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	l := New(nil, 10, 0)
	res, err := l.Check(context.Background(), "203.0.113.1")
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !res.Allowed {
		t.Errorf("expected a Redis-less limiter to be permissive")
	}

	if err := l.Record(context.Background(), "203.0.113.1"); err != nil {
		t.Errorf("Record on a Redis-less limiter should be a no-op, got error: %v", err)
	}
	if err := l.Reset(context.Background(), "203.0.113.1"); err != nil {
		t.Errorf("Reset on a Redis-less limiter should be a no-op, got error: %v", err)
	}
}

func TestKeyForIsNamespaced(t *testing.T) {
	if got := keyFor("198.51.100.7"); got != "host_register_ratelimit:198.51.100.7" {
		t.Errorf("keyFor = %q", got)
	}
}
