package mitm

import (
	"testing"
)

func TestParseHostnameEntry(t *testing.T) {
	tests := []struct {
		input   string
		pattern string
		port    int
		wantErr bool
	}{
		{"example.com", "example.com", 443, false},
		{"Example.COM", "example.com", 443, false},
		{"example.com:8443", "example.com", 8443, false},
		{"example.com:0", "example.com", 0, false},
		{"*.example.com", "*.example.com", 443, false},
		{"*.example.com:0", "*.example.com", 0, false},
		{"[ab].example.com", "[ab].example.com", 443, false},
		{"*", "*", 443, false},
		{"*:0", "*", 0, false},
		{"[::1]:8443", "::1", 8443, false},
		{"2001:db8::1", "2001:db8::1", 443, false},
		{":443", "", 0, true},
		{"example.com:99999", "", 0, true},
		{"example.com:https", "", 0, true},
		{"[abc", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			entry, err := parseHostnameEntry(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.input, entry)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.input, err)
			}
			if entry.pattern != tt.pattern {
				t.Errorf("pattern: got %q, want %q", entry.pattern, tt.pattern)
			}
			if entry.port != tt.port {
				t.Errorf("port: got %d, want %d", entry.port, tt.port)
			}
		})
	}
}

func TestHostnameFilterAllow(t *testing.T) {
	f, err := NewHostnameFilter("web.prod.cloud.netflix.com, *.example.com:8443, any.test:0, api-?.svc")
	if err != nil {
		t.Fatalf("NewHostnameFilter: %v", err)
	}
	if f.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", f.Len())
	}

	tests := []struct {
		host string
		port int
		want bool
	}{
		{"web.prod.cloud.netflix.com", 443, true},
		{"WEB.PROD.CLOUD.NETFLIX.COM.", 443, true},
		{"web.prod.cloud.netflix.com", 8443, false},
		{"www.netflix.com", 443, false},
		{"a.example.com", 8443, true},
		{"a.b.example.com", 8443, true},
		{"example.com", 8443, false},
		{"a.example.com", 443, false},
		{"any.test", 1, true},
		{"any.test", 65535, true},
		{"api-1.svc", 443, true},
		{"api-12.svc", 443, false},
	}
	for _, tt := range tests {
		if got := f.Allow(tt.host, tt.port); got != tt.want {
			t.Errorf("Allow(%q, %d) = %v, want %v", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestHostnameFilterInvalid(t *testing.T) {
	if _, err := NewHostnameFilter("ok.example.com,bad:port"); err == nil {
		t.Fatal("expected error for invalid entry")
	}
}

func TestEmptyAndNilFilter(t *testing.T) {
	f, err := NewHostnameFilter(" , ")
	if err != nil {
		t.Fatalf("NewHostnameFilter: %v", err)
	}
	if f.Allow("example.com", 443) {
		t.Error("empty filter should allow nothing")
	}

	var nilFilter *HostnameFilter
	if nilFilter.Allow("example.com", 443) {
		t.Error("nil filter should allow nothing")
	}
	if nilFilter.String() != "" {
		t.Error("nil filter should render empty")
	}
}

func TestHostnameFilterString(t *testing.T) {
	f, err := NewHostnameFilter("a.test,b.test:0")
	if err != nil {
		t.Fatalf("NewHostnameFilter: %v", err)
	}
	if got := f.String(); got != "a.test:443,b.test:0" {
		t.Errorf("String() = %q", got)
	}
}
