package discovery

import "testing"

func TestDefaultAddrs(t *testing.T) {
	if got := DefaultGRPCAddr(ServiceWorker); got != "worker:8089" {
		t.Fatalf("DefaultGRPCAddr(worker) = %q, want %q", got, "worker:8089")
	}
	if got := DefaultHTTPAddr(" chat "); got != "chat:8086" {
		t.Fatalf("DefaultHTTPAddr(chat) = %q, want %q", got, "chat:8086")
	}
	if got := DefaultGRPCAddr(ServiceChat); got != "" {
		t.Fatalf("DefaultGRPCAddr(chat) = %q, want empty", got)
	}
}

func TestOrDefaultGRPCAddr(t *testing.T) {
	if got := OrDefaultGRPCAddr(" custom:9000 ", ServiceWorker); got != "custom:9000" {
		t.Fatalf("expected explicit grpc addr to win, got %q", got)
	}
	if got := OrDefaultGRPCAddr("", ServiceWorker); got != "worker:8089" {
		t.Fatalf("expected default grpc addr, got %q", got)
	}
}

func TestOrDefaultHTTPBaseURL(t *testing.T) {
	if got := OrDefaultHTTPBaseURL(" https://chat.example.com ", ServiceChat); got != "https://chat.example.com" {
		t.Fatalf("expected explicit base url to win, got %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", ServiceChat); got != "http://chat:8086" {
		t.Fatalf("expected default chat base url, got %q", got)
	}
	if got := OrDefaultHTTPBaseURL("", "unknown"); got != "" {
		t.Fatalf("expected empty base url, got %q", got)
	}
}
