package notify

import (
	"fmt"
	"net"
	"net/url"
)

// validateOutboundURL is the http-push outbound safety check: reject
// loopback, private/reserved IPv4 and IPv6, and the cloud metadata hostname,
// both for the literal host and for every address it resolves to.
func validateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if host == "metadata.google.internal" {
		return fmt.Errorf("cloud metadata host is not allowed")
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isSafeIP(ip) {
			return fmt.Errorf("address %s is not routable outbound", ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %s did not resolve", host)
	}
	for _, ip := range addrs {
		if !isSafeIP(ip) {
			return fmt.Errorf("host %s resolves to disallowed address %s", host, ip)
		}
	}
	return nil
}

// deniedV4Blocks lists the denied IPv4 ranges explicitly, including some
// (private, loopback, link-local) that net.IP's own helpers also cover.
var deniedV4Blocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",  // CGNAT
	"169.254.0.0/16", // link-local
	"127.0.0.0/8",
	"192.0.2.0/24",    // TEST-NET-1
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"0.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isSafeIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsPrivate() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, block := range deniedV4Blocks {
			if block.Contains(v4) {
				return false
			}
		}
		return true
	}
	// IPv6: reject ULA (fc00::/7, already covered by IsPrivate), documentation
	// (2001:db8::/32), and anything not clearly global unicast.
	_, doc, _ := net.ParseCIDR("2001:db8::/32")
	if doc.Contains(ip) {
		return false
	}
	if !ip.IsGlobalUnicast() {
		return false
	}
	return true
}
