/*
Copyright © 2025 ALESSIO TONIOLO

proxy.go holds the HTTP plumbing shared by the router and the worker agent:
the CORS headers scan responses carry and header copying between hops.
*/
package proxy

import (
	"net/http"
	"strings"
)

// CORS header values sent with every scan response
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":      "*",
	"Access-Control-Allow-Credentials": "true",
	"Access-Control-Allow-Methods":     "POST, GET, HEAD, OPTIONS",
	"Access-Control-Allow-Headers":     "Origin, Accept, X-Requested-With, Content-Type, Access-Control-Request-Method, Access-Control-Request-Headers",
}

// SetCORSHeaders adds the scan CORS headers to h, replacing any set upstream
func SetCORSHeaders(h http.Header) {
	for k, v := range corsHeaders {
		h.Set(k, v)
	}
}

// hopHeaders are meaningful for a single connection only
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// CopyHeaders copies end-to-end headers from src to dst
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// IsPreflight reports whether r is a CORS preflight request
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}
