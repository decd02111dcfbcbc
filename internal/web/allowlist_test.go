package web

import "testing"

func TestCIDRAllowlistMatches(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{"192.0.2.0/24, 2001:db8::/32", "10.1.2.3", "localhost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tests := []struct {
		host string
		want bool
	}{
		{host: "192.0.2.10", want: true},
		{host: "2001:db8::1", want: true},
		{host: "10.1.2.3", want: true},
		{host: "10.1.2.4", want: false},
		{host: "127.0.0.5", want: true},
		{host: "::1", want: true},
		{host: "::ffff:192.0.2.77", want: true},
		{host: "fe80::1%eth0", want: false},
		{host: "198.51.100.1", want: false},
		{host: "", want: false},
		{host: "not-an-ip", want: false},
	}
	for _, tt := range tests {
		if got := allowlist.Allows(tt.host); got != tt.want {
			t.Fatalf("Allows(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestParseCIDRAllowlistInvalid(t *testing.T) {
	for _, entry := range []string{"not-a-cidr", "10.0.0.0/40"} {
		allowlist, err := ParseCIDRAllowlist([]string{entry})
		if err == nil || allowlist != nil {
			t.Fatalf("expected error and nil allowlist for %q, got %v, %v", entry, allowlist, err)
		}
	}
}

func TestParseCIDRAllowlistEmpty(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{" , ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowlist != nil {
		t.Fatal("expected nil allowlist for empty input")
	}
	if !allowlist.Allows("198.51.100.1") || allowlist.String() != "*" {
		t.Fatal("expected nil allowlist to allow everyone")
	}
}

func TestCIDRAllowlistStringMasksHostBits(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist([]string{"192.0.2.9/24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := allowlist.String(); got != "192.0.2.0/24" {
		t.Fatalf("unexpected allowlist %q", got)
	}
}
