// Package permissions implements the capability policy consulted by the
// sandbox's host-op bindings before any network, filesystem or timer
// capability is exercised by user code.
package permissions

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// Category identifies why a permission check failed.
type Category string

const (
	CategoryFetchNetURL   Category = "fetch_net_url"
	CategoryFetchOpen     Category = "fetch_open"
	CategoryFetchNetVsock Category = "fetch_net_vsock"
	CategoryNet           Category = "net"
	CategoryNetOpen       Category = "net_open"
	CategoryNetVsock      Category = "net_vsock"
	CategoryNetAddr       Category = "net_addr"
)

// Error is the denial surfaced to user code: {access: api, name: category}.
type Error struct {
	API      string
	Category Category
}

func (e *Error) Error() string {
	return fmt.Sprintf("permission denied: %s (%s)", e.API, e.Category)
}

func deny(api string, cat Category) error {
	return &Error{API: api, Category: cat}
}

// Resolver resolves hostnames to IP addresses; satisfied by
// *net.Resolver in production and stubbed in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy is the zero-state permission object. A Policy value is safe for
// concurrent use by any number of sandboxes.
type Policy struct {
	Resolver Resolver
}

// New returns a Policy using net.DefaultResolver.
func New() *Policy {
	return &Policy{Resolver: net.DefaultResolver}
}

// AllowHighResTime reports whether the sandbox may use high-resolution
// timers. Always false: timing side channels are out of scope to mitigate,
// but we still deny by default per the original policy.
func (p *Policy) AllowHighResTime() bool { return false }

// CheckWebSocketURL always allows; WebSocket egress is deferred to
// per-connection controls rather than this coarse-grained check.
func (p *Policy) CheckWebSocketURL(*url.URL) error { return nil }

// CheckNetURL validates a fetch() target URL.
func (p *Policy) CheckNetURL(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return deny("fetch", CategoryFetchNetURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		return CheckAddr(ip, "fetch")
	}

	addrs, err := p.Resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return deny("fetch", CategoryFetchNetURL)
	}
	for _, a := range addrs {
		if err := CheckAddr(a.IP, "fetch"); err != nil {
			return err
		}
	}
	return nil
}

// CheckFetchOpen denies filesystem access reached through the fetch surface.
func (p *Policy) CheckFetchOpen(string) error {
	return deny("fetch", CategoryFetchOpen)
}

// CheckFetchVsock denies VSOCK access reached through the fetch surface.
func (p *Policy) CheckFetchVsock() error {
	return deny("fetch", CategoryFetchNetVsock)
}

// CheckNet denies the generic net host/port capability; this core's egress
// is fetch-only.
func (p *Policy) CheckNet(host string, port int) error {
	return deny("net", CategoryNet)
}

// CheckNetOpen denies filesystem access reached through the net surface.
func (p *Policy) CheckNetOpen(string) error {
	return deny("net", CategoryNetOpen)
}

// CheckNetVsock denies VSOCK access reached through the net surface.
func (p *Policy) CheckNetVsock() error {
	return deny("net", CategoryNetVsock)
}

// CheckAddr denies unspecified, loopback, private, link-local, v4-broadcast,
// v6-unique-local and v6-unicast-link-local addresses. Public addresses pass.
func CheckAddr(ip net.IP, api string) error {
	if v4 := ip.To4(); v4 != nil {
		if v4.IsUnspecified() || v4.IsLoopback() || v4.IsPrivate() ||
			v4.IsLinkLocalUnicast() || isIPv4Broadcast(v4) {
			return deny(api, CategoryNetAddr)
		}
		return nil
	}

	if ip.IsUnspecified() || ip.IsLoopback() ||
		isIPv6UniqueLocal(ip) || ip.IsLinkLocalUnicast() {
		return deny(api, CategoryNetAddr)
	}
	return nil
}

func isIPv4Broadcast(ip net.IP) bool {
	return ip.Equal(net.IPv4bcast)
}

// isIPv6UniqueLocal reports fc00::/7, per RFC 4193. net.IP has no built-in
// predicate for this range.
func isIPv6UniqueLocal(ip net.IP) bool {
	if ip.To4() != nil {
		return false
	}
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
