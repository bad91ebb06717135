package domain

import (
	"strings"
	"testing"
)

// TestClassifyError verifies auth-shaped failures are routed to re-authentication
func TestClassifyError(t *testing.T) {
	testCases := []struct {
		name string
		msg  string
		want ErrorKind
	}{
		{
			name: "http 401",
			msg:  "fetch failed: unexpected status 401",
			want: ErrorKindAuth,
		},
		{
			name: "unauthorized text",
			msg:  "upstream said Unauthorized",
			want: ErrorKindAuth,
		},
		{
			name: "expired session",
			msg:  "session expired, please log in again",
			want: ErrorKindAuth,
		},
		{
			name: "network error",
			msg:  "dial tcp: connection refused",
			want: ErrorKindGeneric,
		},
		{
			name: "parse error",
			msg:  "report header does not match expected schema",
			want: ErrorKindGeneric,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.msg); got != tc.want {
				t.Errorf("ClassifyError(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}

// TestTruncateError verifies truncation preserves a usable prefix
func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 500)

	got := TruncateError(long, 100)
	if len([]rune(got)) != 100 {
		t.Errorf("expected 100 runes, got %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
	}

	short := "fits"
	if TruncateError(short, 100) != short {
		t.Error("short messages must pass through unchanged")
	}
}

// TestCategoryStateTransitions verifies monotonic state ordering
func TestCategoryStateTransitions(t *testing.T) {
	if !CategoryStatePending.CanAdvanceTo(CategoryStateDownloading) {
		t.Error("pending -> downloading must be allowed")
	}
	if !CategoryStateParsing.CanAdvanceTo(CategoryStateSaved) {
		t.Error("parsing -> saved must be allowed")
	}
	if CategoryStateSaved.CanAdvanceTo(CategoryStateDownloading) {
		t.Error("terminal states must not regress")
	}
	if CategoryStateFailed.CanAdvanceTo(CategoryStateSaved) {
		t.Error("one terminal state must not replace another")
	}
	if CategoryStateParsing.CanAdvanceTo(CategoryStateDownloading) {
		t.Error("parsing -> downloading is a regression")
	}
}
