package mitm

import (
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
)

const defaultMitMPort = 443

// hostnameEntry is one "domain[:port]" item. Domain is a path.Match glob;
// port 0 matches every port.
type hostnameEntry struct {
	pattern string
	port    int
}

func (e hostnameEntry) String() string {
	return e.pattern + ":" + strconv.Itoa(e.port)
}

// HostnameFilter selects the CONNECT targets whose TLS is terminated.
// A nil or empty filter selects nothing.
type HostnameFilter struct {
	entries []hostnameEntry
}

// NewHostnameFilter parses a comma-separated list such as
// "web.prod.cloud.netflix.com, *.example.com:8443, api-?.test:0".
// Unparseable items are an error.
func NewHostnameFilter(list string) (*HostnameFilter, error) {
	f := &HostnameFilter{}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		entry, err := parseHostnameEntry(item)
		if err != nil {
			return nil, fmt.Errorf("mitm hostname %q: %w", item, err)
		}
		f.entries = append(f.entries, entry)
	}
	if len(f.entries) == 0 {
		slog.Info("MitM hostname list is empty, every CONNECT tunnel is relayed")
	}
	return f, nil
}

func parseHostnameEntry(s string) (hostnameEntry, error) {
	entry := hostnameEntry{pattern: s, port: defaultMitMPort}
	if ip := net.ParseIP(s); ip != nil {
		entry.pattern = ip.String()
		return entry, nil
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 && !strings.Contains(s[i+1:], "]") {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return entry, fmt.Errorf("invalid port %q", s[i+1:])
		}
		if port < 0 || port > 65535 {
			return entry, fmt.Errorf("port %d out of range", port)
		}
		entry.pattern, entry.port = s[:i], port
	}
	entry.pattern = strings.ToLower(strings.TrimSpace(entry.pattern))
	if inner, ok := strings.CutPrefix(entry.pattern, "["); ok && strings.HasSuffix(inner, "]") {
		if ip := net.ParseIP(strings.TrimSuffix(inner, "]")); ip != nil {
			entry.pattern = ip.String()
		}
	}
	if entry.pattern == "" {
		return entry, fmt.Errorf("empty domain")
	}
	if _, err := path.Match(entry.pattern, ""); err != nil {
		return entry, fmt.Errorf("bad pattern: %w", err)
	}
	return entry, nil
}

// Allow reports whether host:port should be intercepted.
func (f *HostnameFilter) Allow(host string, port int) bool {
	if f == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, e := range f.entries {
		if e.port != 0 && e.port != port {
			continue
		}
		if ok, _ := path.Match(e.pattern, host); ok {
			return true
		}
	}
	return false
}

func (f *HostnameFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}

func (f *HostnameFilter) String() string {
	if f == nil {
		return ""
	}
	parts := make([]string, len(f.entries))
	for i, e := range f.entries {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}
