package api

import (
	"net/http"
	"strconv"
	"strings"
)

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseOffset parses and validates an offset parameter
func parseOffset(r *http.Request) int {
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

// wantsGzip reports whether the client accepts a gzip body
func wantsGzip(r *http.Request) bool {
	if r.URL.Query().Get("gzip") == "1" {
		return true
	}
	for _, enc := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(enc, ",") {
			if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == "gzip" {
				return true
			}
		}
	}
	return false
}
