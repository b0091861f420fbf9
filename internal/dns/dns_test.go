package dns

import (
	"context"
	"testing"
)

func TestLookupPassesIPLiteralsThrough(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "192.168.1.20", "::1", "2606:4700:4700::1111"} {
		got, err := Lookup(context.Background(), host)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", host, err)
		}
		if got != host {
			t.Errorf("Lookup(%q) = %q, want the literal back", host, got)
		}
	}
}

func TestPickIPPrefersIPv4(t *testing.T) {
	tests := []struct {
		name string
		ips  []string
		want string
	}{
		{"v4 first", []string{"10.0.0.1", "2001:db8::1"}, "10.0.0.1"},
		{"v4 after v6", []string{"2001:db8::1", "10.0.0.1"}, "10.0.0.1"},
		{"v6 only", []string{"2001:db8::1"}, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickIP(tt.ips)
			if err != nil {
				t.Fatalf("pickIP: %v", err)
			}
			if got != tt.want {
				t.Errorf("pickIP(%v) = %q, want %q", tt.ips, got, tt.want)
			}
		})
	}

	if _, err := pickIP(nil); err == nil {
		t.Fatal("pickIP with no addresses must fail")
	}
}
