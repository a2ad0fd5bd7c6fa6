// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package rivet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// The server performs fetches on behalf of clients, so every outbound
// connection must be kept away from internal network targets. Two
// gates apply, re-checked on every redirect hop: the port must not be
// a reserved or infrastructure port, and the resolved address must be
// globally routable.

const connectTimeout = 8 * time.Second

var errIllegalHost = fmt.Errorf("target host or port not permitted")

// illegalPorts is the set of ports browsers refuse to fetch from;
// anything that answers on these is infrastructure, not content.
var illegalPorts = map[int]bool{
	1: true, 7: true, 9: true, 11: true, 13: true, 15: true, 17: true,
	19: true, 20: true, 21: true, 22: true, 23: true, 25: true, 37: true,
	42: true, 43: true, 53: true, 69: true, 77: true, 79: true, 87: true,
	95: true, 101: true, 102: true, 103: true, 104: true, 109: true,
	110: true, 111: true, 113: true, 115: true, 117: true, 119: true,
	123: true, 135: true, 137: true, 139: true, 143: true, 161: true,
	179: true, 389: true, 427: true, 465: true, 512: true, 513: true,
	514: true, 515: true, 526: true, 530: true, 531: true, 532: true,
	540: true, 548: true, 554: true, 556: true, 563: true, 587: true,
	601: true, 636: true, 993: true, 995: true, 1719: true, 1720: true,
	1723: true, 2049: true, 3659: true, 4045: true, 5060: true,
	5061: true, 6000: true, 6566: true, 6665: true, 6666: true,
	6667: true, 6668: true, 6669: true, 6697: true, 10080: true,
}

// checkURL validates the scheme and port of a fetch target before any
// connection is attempted.
func checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return errIllegalHost
	}
	if u.Hostname() == "" {
		return errIllegalHost
	}
	if portStr := u.Port(); portStr != "" {
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port < 1 || port > 65535 {
			return errIllegalHost
		}
		if illegalPorts[port] {
			return errIllegalHost
		}
	}
	return nil
}

// checkAddr rejects addresses that are not globally routable.
func checkAddr(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return errIllegalHost
	}
	return nil
}

// fetchClient builds the outbound HTTP client. Address checks run
// inside the dialer, after DNS resolution, so a hostname that
// resolves to an internal address is caught regardless of what the
// URL looked like. allowPrivate disables the address class checks;
// only tests fetching from local listeners set it.
func fetchClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var portNum int
			if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil || illegalPorts[portNum] {
				return nil, errIllegalHost
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !allowPrivate {
					if err := checkAddr(ip.IP); err != nil {
						return nil, err
					}
				}
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("no reachable address for %s", host)
		},
		ForceAttemptHTTP2: true,
	}
	return &http.Client{Transport: transport}
}
