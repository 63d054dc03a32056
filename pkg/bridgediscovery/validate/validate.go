// Package validate confirms that a probed device really is a bridge by reading
// its UPnP device description.
package validate

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/hwaddr"
)

// DescriptionPath is where bridges serve their UPnP description.
const DescriptionPath = "/description.xml"

const maxBody = 64 << 10

var (
	// DefaultManufacturers are accepted manufacturer markers.
	DefaultManufacturers = []string{"Signify", "Philips"}
	// DefaultModelMarker must appear in the model name.
	DefaultModelMarker = "hue bridge"
)

// Description is the part of a UPnP device description we care about.
type Description struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		ModelNumber  string `xml:"modelNumber"`
		SerialNumber string `xml:"serialNumber"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// HardwareCheck is satisfied by *hwaddr.VendorChecker.
type HardwareCheck interface {
	Check(ctx context.Context, ip string) (ok, decided bool)
}

// Validator checks the identity of devices returned by the probes.
type Validator struct {
	Timeout       time.Duration
	Client        *http.Client
	Manufacturers []string
	ModelMarker   string
	// Hardware, when set, adds an ARP/OUI vendor check. Undecided checks pass.
	Hardware HardwareCheck
}

// New creates a validator with defaults and no hardware check.
func New() *Validator {
	return &Validator{
		Timeout:       bridgediscovery.DefaultTimeout,
		Client:        &http.Client{},
		Manufacturers: DefaultManufacturers,
		ModelMarker:   DefaultModelMarker,
	}
}

// Validate returns true when dev's description identifies a bridge that agrees
// with dev's identifier. Every failure is reported as false.
func (v *Validator) Validate(ctx context.Context, dev bridgediscovery.ConfirmedDevice) bool {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentValidator).With().
		Str("addr", dev.Address).Str("id", dev.NormalizedID).Logger()

	desc, err := v.Describe(ctx, dev.HostPort())
	if err != nil {
		log.Debug().Err(err).Msg("description unavailable")
		return false
	}
	if reason := v.check(desc, dev.NormalizedID); reason != "" {
		log.Debug().Str("reason", reason).Msg("rejected")
		return false
	}
	if v.Hardware != nil {
		if ok, decided := v.Hardware.Check(ctx, dev.Address); decided && !ok {
			log.Debug().Msg("rejected: hardware vendor mismatch")
			return false
		}
	}
	return true
}

// Describe fetches and decodes the description served at hostPort.
func (v *Validator) Describe(ctx context.Context, hostPort string) (*Description, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = bridgediscovery.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+DescriptionPath, nil)
	if err != nil {
		return nil, err
	}
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, bridgediscovery.Errorf(bridgediscovery.KindUnreachable, "describe", "status %d", resp.StatusCode)
	}

	var desc Description
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (v *Validator) check(desc *Description, id string) string {
	mfrs := v.Manufacturers
	if len(mfrs) == 0 {
		mfrs = DefaultManufacturers
	}
	if !containsAny(desc.Device.Manufacturer, mfrs) {
		return "manufacturer " + desc.Device.Manufacturer
	}
	marker := v.ModelMarker
	if marker == "" {
		marker = DefaultModelMarker
	}
	if !containsAny(desc.Device.ModelName, []string{marker}) {
		return "model " + desc.Device.ModelName
	}
	if serial := bridgediscovery.NormalizeID(desc.Device.SerialNumber); serial != "" && id != "" {
		if !SerialMatches(serial, id) {
			return "serial " + serial
		}
	}
	return ""
}

// SerialMatches reports whether a description serial number (the bridge's
// MAC, or occasionally the full id) belongs to the bridge id.
func SerialMatches(serial, id string) bool {
	serial = bridgediscovery.NormalizeID(serial)
	id = bridgediscovery.NormalizeID(id)
	if serial == id {
		return true
	}
	if derived := hwaddr.BridgeIDFromMAC(serial); derived != "" && derived == id {
		return true
	}
	// some firmware reports the lower 12 digits without FFFE
	return len(id) == 16 && len(serial) == 12 && id[:6] == serial[:6] && id[10:] == serial[6:]
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if m != "" && strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
