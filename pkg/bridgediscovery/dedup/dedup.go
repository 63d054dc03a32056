// Package dedup collapses duplicate sightings of the same bridge.
//
// Two devices are the same bridge when their normalized identifiers match or
// when they were seen at the same IP address. The relation is closed
// transitively, so a cloud record (id A at old address X), a scan hit
// (id A at Y) and an announcement without id at Y all end up as one entry.
package dedup

import (
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// Merge returns one device per group, ordered by the first appearance of each
// group in devices. Display fields are taken from the first member that has
// them; the reported identifier and address come from the most authoritative
// member, so Merge(a ++ b) and Merge(b ++ a) describe the same bridges.
func Merge(devices []bridgediscovery.ConfirmedDevice) []bridgediscovery.ConfirmedDevice {
	if len(devices) == 0 {
		return nil
	}

	uf := newUnionFind(len(devices))
	byID := make(map[string]int)
	byAddr := make(map[string]int)
	for i, d := range devices {
		if id := bridgediscovery.NormalizeID(d.NormalizedID); id != "" {
			if j, ok := byID[id]; ok {
				uf.union(i, j)
			} else {
				byID[id] = i
			}
		}
		if addr := addrKey(d.Address); addr != "" {
			if j, ok := byAddr[addr]; ok {
				uf.union(i, j)
			} else {
				byAddr[addr] = i
			}
		}
	}

	groups := make(map[int][]int)
	var order []int
	for i := range devices {
		r := uf.find(i)
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], i)
	}

	out := make([]bridgediscovery.ConfirmedDevice, 0, len(order))
	for _, r := range order {
		out = append(out, collapse(devices, groups[r]))
	}
	return out
}

func collapse(devices []bridgediscovery.ConfirmedDevice, members []int) bridgediscovery.ConfirmedDevice {
	best := devices[members[0]]
	for _, i := range members[1:] {
		if outranks(devices[i], best) {
			best = devices[i]
		}
	}

	merged := best
	merged.NormalizedID = bridgediscovery.NormalizeID(best.NormalizedID)
	merged.Address = bridgediscovery.CanonicalAddress(best.Address)
	merged.DisplayName = ""
	merged.ModelID = ""
	for _, i := range members {
		d := devices[i]
		if merged.NormalizedID == "" && d.NormalizedID != "" {
			merged.NormalizedID = bridgediscovery.NormalizeID(d.NormalizedID)
		}
		if merged.DisplayName == "" {
			merged.DisplayName = d.DisplayName
		}
		if merged.ModelID == "" {
			merged.ModelID = d.ModelID
		}
		if d.ObservedAt.After(merged.ObservedAt) {
			merged.ObservedAt = d.ObservedAt
		}
	}
	return merged
}

// outranks orders members by method authority, then by identifier and
// address so the choice never depends on input order.
func outranks(a, b bridgediscovery.ConfirmedDevice) bool {
	if a.Method.Authority() != b.Method.Authority() {
		return a.Method.Authority() > b.Method.Authority()
	}
	ida, idb := bridgediscovery.NormalizeID(a.NormalizedID), bridgediscovery.NormalizeID(b.NormalizedID)
	if (ida == "") != (idb == "") {
		return ida != ""
	}
	if ida != idb {
		return ida < idb
	}
	aa, ab := addrKey(a.Address), addrKey(b.Address)
	if aa != ab {
		return aa < ab
	}
	return a.Port < b.Port
}

func addrKey(addr string) string {
	if addr == "" {
		return ""
	}
	host, _ := bridgediscovery.SplitAddress(addr)
	return bridgediscovery.CanonicalAddress(host)
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so a group's root is its first member.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
