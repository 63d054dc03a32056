// Package hwaddr resolves hardware addresses of LAN hosts and maps them to
// vendors and bridge identifiers. Bridges derive their 16-digit id from the
// MAC address by inserting FFFE in the middle, so a MAC is enough to
// reconstruct the identity when a response omits it.
package hwaddr

import (
	"fmt"
	"strings"
)

// NormalizeMAC normalizes various MAC address formats to standard format.
// Returns empty string if invalid.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(mac)
	mac = strings.ReplaceAll(mac, "-", "")
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, ".", "")

	if len(mac) != 12 {
		return ""
	}
	for _, c := range mac {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return ""
		}
	}

	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		mac[0:2], mac[2:4], mac[4:6], mac[6:8], mac[8:10], mac[10:12])
}

// BridgeIDFromMAC builds the bridge identifier from its MAC address:
// 00:17:88:01:02:03 -> 001788FFFE010203. Returns "" for invalid input.
func BridgeIDFromMAC(mac string) string {
	norm := NormalizeMAC(mac)
	if norm == "" {
		return ""
	}
	hex := strings.ToUpper(strings.ReplaceAll(norm, ":", ""))
	return hex[:6] + "FFFE" + hex[6:]
}

// MACFromBridgeID reverses BridgeIDFromMAC. Returns "" when id does not have
// the FFFE infix.
func MACFromBridgeID(id string) string {
	id = strings.ToUpper(id)
	if len(id) != 16 || id[6:10] != "FFFE" {
		return ""
	}
	return NormalizeMAC(id[:6] + id[10:])
}

// MACFromUUID extracts the MAC encoded in the node field of a UPnP UUID, e.g.
// "uuid:2f402f80-da50-11e1-9b23-001788010203::upnp:rootdevice".
func MACFromUUID(usn string) string {
	s := strings.TrimPrefix(strings.ToLower(usn), "uuid:")
	if i := strings.Index(s, "::"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return ""
	}
	return NormalizeMAC(parts[4])
}
