package fingerprint

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const Length = 64

// Info is the set of machine characteristics the digest is computed over.
type Info struct {
	CPUCount   int    `json:"cpu_count"`
	CPUModel   string `json:"cpu_model"`
	CPUMHz     string `json:"cpu_mhz"`
	MemoryKB   string `json:"memory_kb"`
	DiskSerial string `json:"disk_serial"`
	MAC        string `json:"mac_address"`
	Platform   string `json:"platform"`
}

func (i Info) hasHardware() bool {
	return i.CPUModel != "" || i.MemoryKB != "" || i.DiskSerial != "" || i.MAC != ""
}

type Collector struct {
	procRoot   string
	sysRoot    string
	hostname   func() (string, error)
	interfaces func() ([]net.Interface, error)
	now        func() time.Time

	mu     sync.Mutex
	cached string
	logger *zap.Logger
}

func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{
		procRoot:   "/proc",
		sysRoot:    "/sys",
		hostname:   os.Hostname,
		interfaces: net.Interfaces,
		now:        time.Now,
		logger:     logger.Named("FingerprintCollector"),
	}
}

// Generate returns the machine fingerprint, computing it once per Collector.
func (c *Collector) Generate() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != "" {
		return c.cached
	}

	info := c.Collect()
	if info.hasHardware() {
		c.cached = Digest(info)
		return c.cached
	}

	c.logger.Warn("Hardware introspection yielded nothing, using fallback fingerprint")
	c.cached = c.fallback(info.Platform)
	return c.cached
}

func (c *Collector) Collect() Info {
	info := Info{
		CPUCount: runtime.NumCPU(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}

	cpu := readKeyValues(filepath.Join(c.procRoot, "cpuinfo"), ":")
	info.CPUModel = cpu["model name"]
	info.CPUMHz = cpu["cpu MHz"]
	// MHz drifts with frequency scaling; keep the integer part only.
	if dot := strings.IndexByte(info.CPUMHz, '.'); dot > 0 {
		info.CPUMHz = info.CPUMHz[:dot]
	}

	mem := readKeyValues(filepath.Join(c.procRoot, "meminfo"), ":")
	info.MemoryKB = strings.TrimSuffix(mem["MemTotal"], " kB")

	info.DiskSerial = c.diskSerial()

	mac, err := c.macAddress()
	if err != nil {
		c.logger.Debug("No MAC address available", zap.Error(err))
	}
	info.MAC = mac

	return info
}

// Digest is the SHA-256 hex of the canonical JSON encoding of info.
func Digest(info Info) string {
	data, _ := json.Marshal(info)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Collector) fallback(platform string) string {
	host, err := c.hostname()
	if err != nil {
		host = "unknown-host"
	}
	raw := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(host)),
		platform,
		strconv.FormatInt(c.now().Unix(), 10),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (c *Collector) macAddress() (string, error) {
	ifaces, err := c.interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	for _, iface := range ifaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no valid MAC address found")
}

func (c *Collector) diskSerial() string {
	matches, _ := filepath.Glob(filepath.Join(c.sysRoot, "block", "*", "device", "serial"))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return ""
}

// readKeyValues parses "key<sep>value" lines and keeps the first occurrence of each key.
func readKeyValues(path, sep string) map[string]string {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), sep)
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if _, seen := out[k]; !seen {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// Normalize lower-cases and trims a presented fingerprint.
func Normalize(fp string) string {
	return strings.ToLower(strings.TrimSpace(fp))
}

// Valid reports whether fp is a 64-character hex digest.
func Valid(fp string) bool {
	if len(fp) != Length {
		return false
	}
	_, err := hex.DecodeString(fp)
	return err == nil
}
