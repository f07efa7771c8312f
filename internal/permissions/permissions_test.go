package permissions

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"
)

func TestCheckAddrIPv4(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"public", "8.8.8.8", false},
		{"loopback", "127.0.0.1", true},
		{"unspecified", "0.0.0.0", true},
		{"private_10", "10.1.2.3", true},
		{"private_172", "172.16.0.1", true},
		{"private_192", "192.168.1.1", true},
		{"link_local", "169.254.1.1", true},
		{"broadcast", "255.255.255.255", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.addr)
			err := CheckAddr(ip, "fetch")
			if tt.wantErr && err == nil {
				t.Fatalf("CheckAddr(%s) = nil, want error", tt.addr)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("CheckAddr(%s) = %v, want nil", tt.addr, err)
			}
			if tt.wantErr {
				var permErr *Error
				if !errors.As(err, &permErr) || permErr.Category != CategoryNetAddr {
					t.Fatalf("expected net_addr category, got %v", err)
				}
			}
		})
	}
}

func TestCheckAddrIPv6(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"public", "2001:4860:4860::8888", false},
		{"loopback", "::1", true},
		{"unspecified", "::", true},
		{"unique_local", "fd00::1", true},
		{"link_local", "fe80::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := net.ParseIP(tt.addr)
			err := CheckAddr(ip, "fetch")
			if tt.wantErr && err == nil {
				t.Fatalf("CheckAddr(%s) = nil, want error", tt.addr)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("CheckAddr(%s) = %v, want nil", tt.addr, err)
			}
		})
	}
}

type stubResolver struct {
	addrs []net.IPAddr
	err   error
}

func (s stubResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return s.addrs, s.err
}

func TestCheckNetURLNoHost(t *testing.T) {
	p := New()
	u, _ := url.Parse("https:///path")
	err := p.CheckNetURL(context.Background(), u)
	var permErr *Error
	if !errors.As(err, &permErr) || permErr.Category != CategoryFetchNetURL {
		t.Fatalf("expected fetch_net_url, got %v", err)
	}
}

func TestCheckNetURLLiteralPrivateIP(t *testing.T) {
	p := New()
	u, _ := url.Parse("http://127.0.0.1/")
	err := p.CheckNetURL(context.Background(), u)
	var permErr *Error
	if !errors.As(err, &permErr) || permErr.Category != CategoryNetAddr {
		t.Fatalf("expected net_addr, got %v", err)
	}
}

func TestCheckNetURLDomainResolvesPublic(t *testing.T) {
	p := &Policy{Resolver: stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}}
	u, _ := url.Parse("https://example.com/")
	if err := p.CheckNetURL(context.Background(), u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckNetURLDomainResolvesPrivate(t *testing.T) {
	p := &Policy{Resolver: stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}}}
	u, _ := url.Parse("https://internal.example.com/")
	err := p.CheckNetURL(context.Background(), u)
	var permErr *Error
	if !errors.As(err, &permErr) || permErr.Category != CategoryNetAddr {
		t.Fatalf("expected net_addr, got %v", err)
	}
}

func TestCheckNetURLResolutionFailureDenies(t *testing.T) {
	p := &Policy{Resolver: stubResolver{err: errors.New("no such host")}}
	u, _ := url.Parse("https://nonexistent.invalid/")
	err := p.CheckNetURL(context.Background(), u)
	var permErr *Error
	if !errors.As(err, &permErr) || permErr.Category != CategoryFetchNetURL {
		t.Fatalf("expected fetch_net_url, got %v", err)
	}
}

func TestUnconditionalDenials(t *testing.T) {
	p := New()
	if _, ok := asPermErr(p.CheckFetchOpen("/etc/passwd")); !ok {
		t.Fatal("expected CheckFetchOpen to deny")
	}
	if _, ok := asPermErr(p.CheckFetchVsock()); !ok {
		t.Fatal("expected CheckFetchVsock to deny")
	}
	if _, ok := asPermErr(p.CheckNet("example.com", 80)); !ok {
		t.Fatal("expected CheckNet to deny")
	}
	if _, ok := asPermErr(p.CheckNetOpen("/etc/passwd")); !ok {
		t.Fatal("expected CheckNetOpen to deny")
	}
	if _, ok := asPermErr(p.CheckNetVsock()); !ok {
		t.Fatal("expected CheckNetVsock to deny")
	}
	if p.AllowHighResTime() {
		t.Fatal("expected high-res timers to be denied")
	}
}

func asPermErr(err error) (*Error, bool) {
	var permErr *Error
	ok := errors.As(err, &permErr)
	return permErr, ok
}
