package hwaddr

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/oui"
)

// ErrNoDatabase is returned when vendor lookup is attempted without an OUI
// database path.
var ErrNoDatabase = errors.New("no OUI database configured")

// VendorDB looks up MAC vendors in an IEEE OUI database file. The file is
// loaded lazily on first use.
type VendorDB struct {
	path string

	once sync.Once
	db   oui.OuiDB
	err  error
}

// NewVendorDB creates a lookup backed by the OUI file at path.
func NewVendorDB(path string) *VendorDB {
	return &VendorDB{path: path}
}

func (v *VendorDB) load() error {
	v.once.Do(func() {
		if v.path == "" {
			v.err = ErrNoDatabase
			return
		}
		if _, err := os.Stat(v.path); err != nil {
			v.err = fmt.Errorf("OUI database: %w", err)
			return
		}
		db, err := oui.OpenStaticFile(v.path)
		if err != nil {
			v.err = fmt.Errorf("open OUI database: %w", err)
			return
		}
		v.db = db
	})
	return v.err
}

// Lookup returns the manufacturer registered for mac, or "" when the prefix
// is unknown.
func (v *VendorDB) Lookup(mac string) (string, error) {
	if err := v.load(); err != nil {
		return "", err
	}
	norm := NormalizeMAC(mac)
	if norm == "" {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	hw, err := net.ParseMAC(norm)
	if err != nil {
		return "", fmt.Errorf("parse MAC address: %w", err)
	}
	entry, err := v.db.Query(hw.String())
	if err != nil {
		if err == oui.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("OUI lookup: %w", err)
	}
	return entry.Manufacturer, nil
}

// DefaultVendorMarkers match the manufacturer strings registered for bridge
// network interfaces.
var DefaultVendorMarkers = []string{"philips", "signify"}

// MatchesVendor reports whether manufacturer contains one of markers
// (case-insensitive).
func MatchesVendor(manufacturer string, markers []string) bool {
	m := strings.ToLower(manufacturer)
	for _, marker := range markers {
		if marker != "" && strings.Contains(m, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
