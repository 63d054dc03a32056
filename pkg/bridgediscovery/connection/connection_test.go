package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 6}

	want := []time.Duration{2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Delay(i+1), "attempt %d", i+1)
	}

	prev := time.Duration(0)
	for n := 1; n < 200; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, 30*time.Second, p.Delay(1<<30))
	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))
	assert.Equal(t, 5*time.Second, RetryPolicy{BaseDelay: 5 * time.Second}.Delay(4))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to bridgediscovery.ConnectionState
		ok       bool
	}{
		{bridgediscovery.StateDisconnected, bridgediscovery.StateConnecting, true},
		{bridgediscovery.StateConnecting, bridgediscovery.StateConnected, true},
		{bridgediscovery.StateConnecting, bridgediscovery.StateNeedsAuthentication, true},
		{bridgediscovery.StateConnected, bridgediscovery.StateReconnecting, true},
		{bridgediscovery.StateReconnecting, bridgediscovery.StateSearching, true},
		{bridgediscovery.StateSearching, bridgediscovery.StateConnected, true},
		{bridgediscovery.StateSearching, bridgediscovery.StateFailed, true},
		{bridgediscovery.StateFailed, bridgediscovery.StateConnecting, true},

		{bridgediscovery.StateDisconnected, bridgediscovery.StateConnected, false},
		{bridgediscovery.StateConnected, bridgediscovery.StateConnecting, false},
		{bridgediscovery.StateConnected, bridgediscovery.StateSearching, false},
		{bridgediscovery.StateFailed, bridgediscovery.StateReconnecting, false},
		{bridgediscovery.StateReconnecting, bridgediscovery.StateReconnecting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
			err := checkTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
		})
	}
}

func deviceFor(t *testing.T, srv *httptest.Server, id string) bridgediscovery.ConfirmedDevice {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return bridgediscovery.ConfirmedDevice{NormalizedID: id, Address: u.Hostname(), Port: port}
}

func TestClientHandshake(t *testing.T) {
	tests := []struct {
		name string
		key  string
		code int
		body string
		want bridgediscovery.Kind
	}{
		{"ok", "k", http.StatusOK, `{"name":"Hue","bridgeid":"ABC123"}`, bridgediscovery.KindUnknown},
		{"ok without id", "k", http.StatusOK, `{"name":"Hue"}`, bridgediscovery.KindUnknown},
		{"unknown key", "k", http.StatusOK, `[{"error":{"type":1,"address":"/","description":"unauthorized user"}}]`, bridgediscovery.KindAuthenticationRequired},
		{"other api error", "k", http.StatusOK, `[{"error":{"type":7,"description":"invalid value"}}]`, bridgediscovery.KindHandshakeFailed},
		{"different bridge", "k", http.StatusOK, `{"bridgeid":"FFF000"}`, bridgediscovery.KindHandshakeFailed},
		{"server error", "k", http.StatusInternalServerError, ``, bridgediscovery.KindHandshakeFailed},
		{"garbage", "k", http.StatusOK, `<html>`, bridgediscovery.KindHandshakeFailed},
		{"no key", "", http.StatusOK, `{}`, bridgediscovery.KindAuthenticationRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewClient().Handshake(context.Background(), deviceFor(t, srv, "ABC123"), tt.key)
			if tt.want == bridgediscovery.KindUnknown {
				require.NoError(t, err)
				assert.Equal(t, "/api/k/config", path)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, bridgediscovery.KindOf(err))
		})
	}
}

func TestClientHandshakeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	dev := deviceFor(t, srv, "ABC123")
	srv.Close()

	err := NewClient().Handshake(context.Background(), dev, "k")
	assert.True(t, errors.Is(err, bridgediscovery.ErrUnreachable))
}

func TestClientHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bridgeid":"ABC123"}`))
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>captive portal</html>`))
	}))
	defer garbled.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneDev := deviceFor(t, gone, "ABC123")
	gone.Close()

	c := NewClient()
	ctx := context.Background()
	assert.Equal(t, HealthOK, c.Health(ctx, deviceFor(t, ok, "ABC123")))
	assert.Equal(t, HealthSoft, c.Health(ctx, deviceFor(t, broken, "ABC123")))
	assert.Equal(t, HealthSoft, c.Health(ctx, deviceFor(t, garbled, "ABC123")))
	assert.Equal(t, HealthClear, c.Health(ctx, goneDev))

	c.Timeout = 50 * time.Millisecond
	assert.Equal(t, HealthClear, c.Health(ctx, deviceFor(t, slow, "ABC123")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsClearFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, true},
		{"net timeout", timeoutErr{}, true},
		{"other", errors.New("tls: bad certificate"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsClearFailure(tt.err))
		})
	}
}
