package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// pciPair is a vendor:device (or subvendor:subdevice) pair in canonical
// lowercase four digit form.
type pciPair struct {
	Vendor string
	Device string
}

func (p pciPair) valid() bool { return p.Vendor != "" && p.Device != "" }

func (p pciPair) String() string {
	if !p.valid() {
		return ""
	}
	return p.Vendor + ":" + p.Device
}

// parsePCIPair accepts "10de:2684" style identifiers as found in uevent.
func parsePCIPair(raw string) pciPair {
	vendor, device, ok := strings.Cut(raw, ":")
	if !ok {
		return pciPair{}
	}
	return newPCIPair(vendor, device)
}

func newPCIPair(vendor, device string) pciPair {
	return pciPair{Vendor: canonicalHex(vendor), Device: canonicalHex(device)}
}

func canonicalHex(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

type pciCatalog struct {
	once sync.Once
	db   *pcidb.PCIDB
}

var catalog pciCatalog

func (c *pciCatalog) load() *pcidb.PCIDB {
	c.once.Do(func() {
		db, err := pcidb.New()
		if err == nil {
			c.db = db
		}
	})
	return c.db
}

// productName resolves a marketing name from pci.ids. A matching subsystem
// entry wins over the bare product, and the vendor name is the last resort.
func (c *pciCatalog) productName(id, sub pciPair) string {
	if !id.valid() {
		return ""
	}
	db := c.load()
	if db == nil {
		return ""
	}

	product := db.Products[id.Vendor+id.Device]
	if product == nil {
		if vendor := db.Vendors[id.Vendor]; vendor != nil && vendor.Name != "" {
			return vendor.Name + " device " + id.Device
		}
		return ""
	}
	if sub.valid() {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, sub.Vendor) && strings.EqualFold(subsystem.ID, sub.Device) {
				return subsystem.Name
			}
		}
	}
	return product.Name
}

// Driver names that carry no information about the actual part.
var genericNames = map[string]struct{}{
	"":        {},
	"nvidia":  {},
	"nouveau": {},
	"tegra":   {},
	"unknown": {},
}

// preferResolved reports whether a pci.ids name should replace the name
// reported by the kernel.
func preferResolved(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	if _, generic := genericNames[lower]; generic {
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
