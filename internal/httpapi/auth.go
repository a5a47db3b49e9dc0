package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// withAuth requires the configured token, either as
// "Authorization: Bearer <token>" or as ?token=<token>.
func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			ah := r.Header.Get("Authorization")
			const p = "Bearer "
			if !strings.HasPrefix(ah, p) {
				s.unauthorized(w)
				return
			}
			got = strings.TrimSpace(strings.TrimPrefix(ah, p))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			s.unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeError(w, http.StatusUnauthorized, "unauthorized")
}

// pprofAllowed refuses profiling on a public bind without a token.
func (s *Server) pprofAllowed() bool {
	if !s.cfg.Pprof {
		return false
	}
	if strings.TrimSpace(s.cfg.Token) == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("pprof refused: non-loopback addr requires http.token", logx.String("addr", s.cfg.Addr))
		return false
	}
	return true
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
