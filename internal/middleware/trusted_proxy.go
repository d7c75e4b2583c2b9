package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies decides whose X-Forwarded-For header is believed. A nil or
// empty list trusts loopback and private peers only. It is immutable once parsed.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies parses TRUSTED_PROXY_CIDRS entries; blanks are skipped.
func ParseTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	p := &TrustedProxies{}
	for _, raw := range cidrs {
		cidr := strings.TrimSpace(raw)
		if cidr == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q", cidr)
		}
		p.nets = append(p.nets, ipnet)
	}
	return p, nil
}

// Trusts reports whether the peer at ip may forward a client address.
func (p *TrustedProxies) Trusts(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	if p == nil || len(p.nets) == 0 {
		return ip.IsLoopback() || ip.IsPrivate()
	}
	for _, ipnet := range p.nets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address, taking the first X-Forwarded-For
// hop only when the immediate peer is trusted.
func (p *TrustedProxies) ClientIP(r *http.Request) string {
	remoteIP := remoteIPFromAddr(r.RemoteAddr)
	if remoteIP == "" {
		return r.RemoteAddr
	}
	if !p.Trusts(remoteIP) {
		return remoteIP
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" {
		return remoteIP
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return remoteIP
}

// IPKey 使用客户端 IP 作为限流 key
func (p *TrustedProxies) IPKey(r *http.Request) string {
	return p.ClientIP(r)
}

func remoteIPFromAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}
