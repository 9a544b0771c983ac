package util

import (
	"testing"
)

func TestFormatAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"h", 2222, "h:2222"},
		{"1.2.3.4", 22, "1.2.3.4:22"},
		{"localhost", 0, "localhost:0"},
		{"::1", 443, "[::1]:443"},
	}
	for _, tt := range tests {
		if got := FormatAddr(tt.host, tt.port); got != tt.want {
			t.Errorf("FormatAddr(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestSplitAddr(t *testing.T) {
	host, port, err := SplitAddr("[::1]:8080")
	if err != nil {
		t.Fatal(err)
	}
	if host != "::1" || port != 8080 {
		t.Errorf("got %q %d", host, port)
	}

	if _, _, err := SplitAddr("example.com:http"); err == nil {
		t.Error("expected error for non-numeric port")
	}
	if _, _, err := SplitAddr("no-port"); err == nil {
		t.Error("expected error for missing port")
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}
