package server

import (
	"math/rand/v2"
	"net/http"
	"strings"
)

const upstreamOrigin = "https://deepinfra.com"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
}

func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// upstreamHeaders builds the header set sent with every attempt. The
// upstream's public endpoint expects browser-like requests from its own
// web origin. Accept-Encoding is left unset so the transport negotiates
// gzip and decompresses transparently.
func upstreamHeaders(apiKey string) http.Header {
	h := make(http.Header, 16)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", randomUserAgent())
	h.Set("Accept", "text/event-stream, application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Origin", upstreamOrigin)
	h.Set("Referer", upstreamOrigin+"/")
	h.Set("Sec-CH-UA", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
	h.Set("Sec-CH-UA-Mobile", "?0")
	h.Set("Sec-CH-UA-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyResponseHeaders copies upstream response headers to the client,
// leaving out hop-by-hop headers, anything named in Connection, and
// Content-Length, which the body writer recomputes.
func copyResponseHeaders(dst, src http.Header) {
	skip := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range src {
		if hopByHopHeaders[name] || skip[name] || name == "Content-Length" {
			continue
		}
		// CORS headers are owned by the proxy.
		if strings.HasPrefix(name, "Access-Control-") {
			continue
		}
		dst.Del(name)
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
