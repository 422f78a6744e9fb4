package util

import (
	"net"
	"regexp"
	"strings"
)

var localSuffixes = []string{".local", ".localhost", ".internal", ".lan", ".home.arpa", ".onion", ".i2p"}

// IsLocalNetworkHost reports whether host (optionally with a port) names a
// loopback, private, link-local or otherwise non-public address.
func IsLocalNetworkHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	for _, suffix := range localSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast()
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp|gemini|gopher)://([^/\s"'<>?#]+)`)

// LinkHosts returns the host part of every absolute link embedded in text.
func LinkHosts(text string) []string {
	matches := linkPattern.FindAllStringSubmatch(text, -1)
	hosts := make([]string, 0, len(matches))
	for _, m := range matches {
		host := m[1]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		hosts = append(hosts, host)
	}
	return hosts
}
