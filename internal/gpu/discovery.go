// Package gpu locates the compute accelerators of the board.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const (
	drmClassPath     = "class/drm"
	devfreqClassPath = "class/devfreq"

	nvidiaVendorID = "10de"
)

// Kind tells how an accelerator was found.
type Kind string

const (
	// KindPCI is a discrete card exposed through the DRM class.
	KindPCI Kind = "pci"
	// KindDevfreq is an integrated GPU exposed only through devfreq, as on Jetson boards.
	KindDevfreq Kind = "devfreq"
)

// Info describes a single accelerator discovered via sysfs.
type Info struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	PCI     string `json:"pci,omitempty"`
	PCIID   string `json:"pci_id,omitempty"`
	Name    string `json:"name"`
	Devfreq string `json:"devfreq,omitempty"`
}

// CUDACapable reports whether the device can back a CUDA execution provider.
func (i Info) CUDACapable() bool {
	if i.Kind == KindDevfreq {
		return true
	}
	return parsePCIPair(i.PCIID).Vendor == nvidiaVendorID
}

// Discover enumerates DRM cards and devfreq GPU nodes under the provided sysfs root.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	cards, err := discoverCards(sysRoot, logger)
	if err != nil {
		return nil, err
	}
	nodes, err := discoverDevfreq(root, sysRoot, logger)
	if err != nil {
		return nil, err
	}
	return append(cards, nodes...), nil
}

// Devfreq returns the first devfreq-backed GPU, if any.
func Devfreq(infos []Info) (Info, bool) {
	for _, info := range infos {
		if info.Kind == KindDevfreq {
			return info, true
		}
	}
	return Info{}, false
}

// AnyCUDACapable reports whether any discovered device is CUDA capable.
func AnyCUDACapable(infos []Info) bool {
	for _, info := range infos {
		if info.CUDACapable() {
			return true
		}
	}
	return false
}

func discoverCards(sysRoot *os.Root, logger *slog.Logger) ([]Info, error) {
	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", drmClassPath)
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') || !allDigits(name[4:]) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		deviceRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name, "device"))
		if err != nil {
			logger.Warn("failed to open card device", "card", name, "err", err)
			continue
		}
		info := loadCardInfo(name, deviceRoot)
		if err := deviceRoot.Close(); err != nil {
			logger.Debug("failed to close card root", "card", name, "err", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func loadCardInfo(cardID string, deviceRoot *os.Root) Info {
	var (
		pciSlot string
		name    string
		id      pciPair
		sub     pciPair
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		id = parsePCIPair(parseKeyValue(text, "PCI_ID"))
		sub = parsePCIPair(parseKeyValue(text, "PCI_SUBSYS_ID"))
		name = parseKeyValue(text, "DRIVER")
	}

	if !id.valid() {
		id = readPCIPair(deviceRoot, "vendor", "device")
	}
	if !sub.valid() {
		sub = readPCIPair(deviceRoot, "subsystem_vendor", "subsystem_device")
	}

	if resolved := catalog.productName(id, sub); preferResolved(name, resolved) {
		name = resolved
	}

	return Info{
		ID:    cardID,
		Kind:  KindPCI,
		PCI:   pciSlot,
		PCIID: id.String(),
		Name:  name,
	}
}

func readPCIPair(root *os.Root, vendorFile, deviceFile string) pciPair {
	vendor, err := readTrim(root, vendorFile)
	if err != nil {
		return pciPair{}
	}
	device, err := readTrim(root, deviceFile)
	if err != nil {
		return pciPair{}
	}
	return newPCIPair(vendor, device)
}

// Integrated Tegra GPU cores as they appear in devfreq device names.
var tegraGPUCores = []string{"gpu", "gm20b", "gp10b", "gv11b", "ga10b", "gb10b"}

func discoverDevfreq(root string, sysRoot *os.Root, logger *slog.Logger) ([]Info, error) {
	entries, err := fs.ReadDir(sysRoot.FS(), devfreqClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("devfreq class path missing", "path", devfreqClassPath)
			return nil, nil
		}
		return nil, fmt.Errorf("read devfreq class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		core := matchTegraCore(name)
		if core == "" {
			continue
		}
		infos = append(infos, Info{
			ID:      name,
			Kind:    KindDevfreq,
			Name:    "NVIDIA Tegra " + strings.ToUpper(core),
			Devfreq: filepath.Join(root, devfreqClassPath, name),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func matchTegraCore(name string) string {
	lower := strings.ToLower(name)
	for _, core := range tegraGPUCores {
		if strings.Contains(lower, core) {
			return core
		}
	}
	return ""
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
