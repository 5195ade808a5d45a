package device

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
)

// Resolver looks up the hardware address behind an IP. Implementations are best effort:
// a nil address with a nil error means "unknown".
type Resolver interface {
	HardwareAddr(ctx context.Context, ip net.IP) (net.HardwareAddr, error)
}

// NoopResolver never knows a hardware address
type NoopResolver struct{}

// HardwareAddr always returns nil
func (NoopResolver) HardwareAddr(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	return nil, nil
}

// DefaultARPTable is the Linux kernel neighbour table
const DefaultARPTable = "/proc/net/arp"

// ARPTableResolver reads the kernel ARP table file. It works when the gateway runs on the
// access point itself (or on the same L2 segment as the clients).
type ARPTableResolver struct {
	Path string
}

// NewARPTableResolver creates a resolver reading path, or the kernel table when path is empty
func NewARPTableResolver(path string) *ARPTableResolver {
	if path == "" {
		path = DefaultARPTable
	}
	return &ARPTableResolver{Path: path}
}

// HardwareAddr scans the table for ip
func (r *ARPTableResolver) HardwareAddr(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	if ip == nil {
		return nil, nil
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open arp table: %w", err)
	}
	defer f.Close()

	want := ip.String()
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			// header: IP address  HW type  Flags  HW address  Mask  Device
			first = false
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != want {
			continue
		}
		if fields[3] == "00:00:00:00:00:00" {
			return nil, nil
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil {
			return nil, fmt.Errorf("failed to parse arp entry: %w", err)
		}
		return mac, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read arp table: %w", err)
	}
	return nil, nil
}
