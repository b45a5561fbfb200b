// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net"
	"net/http"
	"sync"
)

// ReasonRateLimited is returned with 429 when a client exceeds its
// concurrent request limit.
const ReasonRateLimited = "RATE_LIMITED"

// ipLimiter caps concurrent in-flight requests per client address.
type ipLimiter struct {
	max   int
	mu    sync.Mutex
	conns map[string]int
}

func newIPLimiter(maxPerIP int) *ipLimiter {
	return &ipLimiter{
		max:   maxPerIP,
		conns: make(map[string]int),
	}
}

// ipKey extracts a limit key from a remote address. IPv4 addresses key on
// the bare IP. IPv6 addresses key on the /64 prefix so a client rotating
// within its subnet still counts as one source. Unparseable addresses
// return an empty key and are exempt.
func ipKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

func (l *ipLimiter) acquire(key string) bool {
	if key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[key] >= l.max {
		return false
	}
	l.conns[key]++
	return true
}

func (l *ipLimiter) release(key string) {
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[key]--
	if l.conns[key] <= 0 {
		delete(l.conns, key)
	}
}

func (l *ipLimiter) inFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[key]
}

func (l *ipLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ipKey(r.RemoteAddr)
		if !l.acquire(key) {
			writeError(w, http.StatusTooManyRequests, ReasonRateLimited, "too many concurrent requests")
			return
		}
		defer l.release(key)
		next.ServeHTTP(w, r)
	})
}
