// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package netshare

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Proxies decides which peers may set forwarding headers.
// The zero value trusts loopback and private networks only.
type Proxies struct {
	nets     []*net.IPNet
	trustAll bool
}

// NewProxies parses a list of CIDRs or bare IPs. The single entry "*"
// trusts every peer.
func NewProxies(allowed []string) (*Proxies, error) {
	p := &Proxies{}
	for _, item := range allowed {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if item == "*" {
			p.trustAll = true
			continue
		}
		if !strings.Contains(item, "/") {
			if ip := net.ParseIP(item); ip != nil && ip.To4() != nil {
				item += "/32"
			} else {
				item += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", item, err)
		}
		p.nets = append(p.nets, ipNet)
	}
	return p, nil
}

// Trusted reports whether forwarding headers sent by the direct peer of req
// should be believed.
func (p *Proxies) Trusted(req *http.Request) bool {
	ip := remoteIP(req)
	if ip == nil {
		return false
	}
	if p == nil {
		return isPrivateIP(ip)
	}
	if p.trustAll {
		return true
	}
	if len(p.nets) == 0 {
		return isPrivateIP(ip)
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Host returns the host the client addressed, honoring Forwarded and
// X-Forwarded-Host from trusted peers.
func (p *Proxies) Host(req *http.Request) string {
	if p.Trusted(req) {
		if host := forwardedParam(req, "host"); host != "" {
			return host
		}
		if xHost := req.Header.Get("X-Forwarded-Host"); xHost != "" {
			return strings.TrimSpace(strings.Split(xHost, ",")[0])
		}
	}
	return req.Host
}

// Proto returns "http" or "https" as seen by the client.
func (p *Proxies) Proto(req *http.Request) string {
	if p.Trusted(req) {
		if proto := forwardedParam(req, "proto"); proto != "" {
			return strings.ToLower(proto)
		}
		if xProto := req.Header.Get("X-Forwarded-Proto"); xProto != "" {
			return strings.ToLower(strings.TrimSpace(strings.Split(xProto, ",")[0]))
		}
		if req.Header.Get("X-Forwarded-Ssl") == "on" {
			return "https"
		}
	}
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

// ClientAddr returns the address of the client, honoring Forwarded,
// X-Real-IP and X-Forwarded-For from trusted peers.
func (p *Proxies) ClientAddr(req *http.Request) net.IP {
	direct := remoteIP(req)
	if !p.Trusted(req) {
		return direct
	}

	if forVal := forwardedParam(req, "for"); forVal != "" {
		if ip := parseNodeIP(forVal); ip != nil {
			return ip
		}
	}

	if xReal := req.Header.Get("X-Real-IP"); xReal != "" {
		if ip := net.ParseIP(strings.TrimSpace(xReal)); ip != nil {
			return ip
		}
	}

	if xFor := req.Header.Get("X-Forwarded-For"); xFor != "" {
		if ip := net.ParseIP(strings.TrimSpace(strings.Split(xFor, ",")[0])); ip != nil {
			return ip
		}
	}

	return direct
}

// GetClientAddr extracts the client IP trusting only private peers.
func GetClientAddr(req *http.Request) net.IP {
	var p *Proxies
	return p.ClientAddr(req)
}

// StripPort removes a trailing :port from host, keeping IPv6 brackets off.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// forwardedParam reads one parameter of the first RFC 7239 Forwarded element.
// Example: "for=192.0.2.60;proto=http;host=example.com".
func forwardedParam(req *http.Request, name string) string {
	forwarded := req.Header.Get("Forwarded")
	if forwarded == "" {
		return ""
	}
	first := strings.Split(forwarded, ",")[0]
	for _, part := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(key, name) {
			continue
		}
		return strings.Trim(value, "\"")
	}
	return ""
}

// parseNodeIP accepts "192.0.2.60", "192.0.2.60:47011" and "[2001:db8::1]:47011".
func parseNodeIP(node string) net.IP {
	if ip := net.ParseIP(node); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(node); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(strings.Trim(node, "[]"))
}

func remoteIP(req *http.Request) net.IP {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return net.ParseIP(req.RemoteAddr)
	}
	return net.ParseIP(host)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
