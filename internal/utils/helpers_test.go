package utils

import (
	"errors"
	"testing"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{5000, "5s"},
		{61000, "1m1s"},
		{330000, "5m30s"},
		{5025000, "1h23m45s"},
		{0, "0s"},
		{999, "0s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.ms); got != tc.want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", tc.ms, got, tc.want)
		}
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 10); got != "short" {
		t.Fatalf("TruncateString = %q", got)
	}
	if got := TruncateString("abcdefghij", 5); got != "abcde..." {
		t.Fatalf("TruncateString = %q", got)
	}
	if got := TruncateString("exact", 5); got != "exact" {
		t.Fatalf("TruncateString = %q", got)
	}
}

func TestMaskEmail(t *testing.T) {
	cases := []struct {
		email string
		want  string
	}{
		{"john@example.com", "j***@example.com"},
		{"a@example.com", "a***@example.com"},
		{"not-an-email", "***"},
		{"", "***"},
	}
	for _, tc := range cases {
		if got := MaskEmail(tc.email); got != tc.want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", tc.email, got, tc.want)
		}
	}
}

func TestIsNetworkError(t *testing.T) {
	if IsNetworkError(nil) {
		t.Fatal("nil is not a network error")
	}
	if !IsNetworkError(errors.New("dial tcp: connection refused")) {
		t.Fatal("connection refused should be a network error")
	}
	if IsNetworkError(errors.New("invalid JSON")) {
		t.Fatal("parse errors are not network errors")
	}
}
