package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

const bridgeXML = `<?xml version="1.0" encoding="UTF-8" ?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<device>
<deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType>
<friendlyName>Hue Bridge (192.168.1.2)</friendlyName>
<manufacturer>Signify</manufacturer>
<modelName>Philips hue bridge 2015</modelName>
<modelNumber>BSB002</modelNumber>
<serialNumber>0017880a0b0c</serialNumber>
<UDN>uuid:2f402f80-da50-11e1-9b23-0017880a0b0c</UDN>
</device>
</root>`

func describer(t *testing.T, status int, body string) bridgediscovery.ConfirmedDevice {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DescriptionPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	host, port := bridgediscovery.SplitAddress(srv.Listener.Addr().String())
	return bridgediscovery.ConfirmedDevice{NormalizedID: "001788FFFE0A0B0C", Address: host, Port: port}
}

type fakeHardware struct{ ok, decided bool }

func (f fakeHardware) Check(context.Context, string) (bool, bool) { return f.ok, f.decided }

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		id     string
		hw     HardwareCheck
		want   bool
	}{
		{name: "genuine bridge", status: http.StatusOK, body: bridgeXML, want: true},
		{name: "serial mismatch", status: http.StatusOK, body: bridgeXML, id: "001788FFFE999999", want: false},
		{name: "wrong manufacturer", status: http.StatusOK,
			body: `<root><device><manufacturer>ACME</manufacturer><modelName>hue bridge</modelName></device></root>`, want: false},
		{name: "wrong model", status: http.StatusOK,
			body: `<root><device><manufacturer>Philips</manufacturer><modelName>Media Renderer</modelName></device></root>`, want: false},
		{name: "no serial is fine", status: http.StatusOK,
			body: `<root><device><manufacturer>Royal Philips Electronics</manufacturer><modelName>Philips Hue Bridge</modelName></device></root>`, want: true},
		{name: "not found", status: http.StatusNotFound, body: "", want: false},
		{name: "not xml", status: http.StatusOK, body: "{}", want: false},
		{name: "hardware mismatch", status: http.StatusOK, body: bridgeXML, hw: fakeHardware{ok: false, decided: true}, want: false},
		{name: "hardware undecided", status: http.StatusOK, body: bridgeXML, hw: fakeHardware{decided: false}, want: true},
		{name: "hardware match", status: http.StatusOK, body: bridgeXML, hw: fakeHardware{ok: true, decided: true}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := describer(t, tt.status, tt.body)
			if tt.id != "" {
				dev.NormalizedID = tt.id
			}
			v := New()
			v.Hardware = tt.hw
			assert.Equal(t, tt.want, v.Validate(context.Background(), dev))
		})
	}
}

func TestDescribe(t *testing.T) {
	dev := describer(t, http.StatusOK, bridgeXML)

	desc, err := New().Describe(context.Background(), dev.HostPort())
	require.NoError(t, err)
	assert.Equal(t, "Signify", desc.Device.Manufacturer)
	assert.Equal(t, "BSB002", desc.Device.ModelNumber)
	assert.Equal(t, "Hue Bridge (192.168.1.2)", desc.Device.FriendlyName)
}

func TestSerialMatches(t *testing.T) {
	assert.True(t, SerialMatches("0017880a0b0c", "001788FFFE0A0B0C"))
	assert.True(t, SerialMatches("001788fffe0a0b0c", "001788FFFE0A0B0C"))
	assert.True(t, SerialMatches("00:17:88:0a:0b:0c", "001788FFFE0A0B0C"))
	assert.False(t, SerialMatches("0017880a0b0d", "001788FFFE0A0B0C"))
	assert.False(t, SerialMatches("short", "001788FFFE0A0B0C"))
}
