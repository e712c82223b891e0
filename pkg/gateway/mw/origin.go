package mw

import (
	"net/http"
	"strings"
)

// OriginChecker builds the CheckOrigin policy for WebSocket upgrades. The
// browser sends Origin but enforces nothing for WebSocket, so the server
// gates here. Requests without an Origin header (native clients, tests) are
// allowed; an empty allowlist allows any origin.
func OriginChecker(allowed map[string]struct{}) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || len(allowed) == 0 {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
