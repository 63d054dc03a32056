package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

func fakeBridge(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ConfigPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		wantID string
	}{
		{
			name:   "bridge with id",
			status: http.StatusOK,
			body:   `{"name":"Living","bridgeid":"001788fffe0a0b0c","mac":"00:17:88:0a:0b:0c","modelid":"BSB002"}`,
			wantID: "001788FFFE0A0B0C",
		},
		{
			name:   "id derived from mac",
			status: http.StatusOK,
			body:   `{"name":"Old","mac":"00:17:88:0a:0b:0c","modelid":"BSB001"}`,
			wantID: "001788FFFE0A0B0C",
		},
		{name: "unknown model", status: http.StatusOK, body: `{"bridgeid":"001788fffe0a0b0c","modelid":"ROUTER"}`},
		{name: "no identifier", status: http.StatusOK, body: `{"name":"x","modelid":"BSB002"}`},
		{name: "malformed json", status: http.StatusOK, body: `<html>`},
		{name: "not ok", status: http.StatusForbidden, body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := fakeBridge(t, tt.status, tt.body)
			p := New()

			dev := p.Probe(context.Background(), host)
			if tt.wantID == "" {
				assert.Nil(t, dev)
				return
			}
			require.NotNil(t, dev)
			assert.Equal(t, tt.wantID, dev.NormalizedID)
			assert.Equal(t, "127.0.0.1", dev.Address)
			assert.NotEqual(t, bridgediscovery.DefaultPort, dev.Port)
			assert.Equal(t, bridgediscovery.MethodSubnetScan, dev.Method)
			assert.False(t, dev.ObservedAt.IsZero())
		})
	}
}

func TestProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p := New()
	p.Timeout = 50 * time.Millisecond
	start := time.Now()
	assert.Nil(t, p.Probe(context.Background(), strings.TrimPrefix(srv.URL, "http://")))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestProbeNothingListening(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	assert.Nil(t, New().Probe(context.Background(), host))
}

func TestWithMethod(t *testing.T) {
	host := fakeBridge(t, http.StatusOK, `{"bridgeid":"ABC","modelid":"bsb002"}`)
	p := New().WithMethod(bridgediscovery.MethodService)

	dev := p.Probe(context.Background(), host)
	require.NotNil(t, dev)
	assert.Equal(t, bridgediscovery.MethodService, dev.Method)
	assert.Equal(t, "ABC", dev.NormalizedID)
}

func TestTargetDefaultsPort(t *testing.T) {
	p := New()
	addr, port := p.target("192.168.1.20")
	assert.Equal(t, "192.168.1.20", addr)
	assert.Equal(t, bridgediscovery.DefaultPort, port)

	addr, port = p.target("192.168.1.20:8080")
	assert.Equal(t, "192.168.1.20", addr)
	assert.Equal(t, 8080, port)
}
