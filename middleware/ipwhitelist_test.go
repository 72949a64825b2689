package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func whitelistStatus(entries []string, remote string) int {
	r := gin.New()
	r.Use(IPWhitelist(entries, zap.NewNop()))
	r.GET("/api/admin/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/api/admin/metrics", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPWhitelist(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		remote  string
		want    int
	}{
		{"empty list admits all", nil, "1.2.3.4:1234", http.StatusOK},
		{"exact address", []string{"192.168.1.1"}, "192.168.1.1:5000", http.StatusOK},
		{"other address", []string{"192.168.1.1"}, "192.168.1.2:5000", http.StatusForbidden},
		{"inside prefix", []string{"10.0.0.0/8"}, "10.20.30.40:80", http.StatusOK},
		{"outside prefix", []string{"10.0.0.0/8"}, "11.0.0.1:80", http.StatusForbidden},
		{"unmasked prefix", []string{"172.16.5.9/16"}, "172.16.200.1:80", http.StatusOK},
		{"ipv6 loopback", []string{"::1"}, "[::1]:9000", http.StatusOK},
		{"second entry", []string{" 127.0.0.1 ", "10.0.0.1"}, "10.0.0.1:1", http.StatusOK},
		{"only invalid entries", []string{"not-an-ip"}, "127.0.0.1:1", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, whitelistStatus(tc.entries, tc.remote))
		})
	}
}
