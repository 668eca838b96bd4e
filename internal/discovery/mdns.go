// Package discovery finds robots on the local network. Every provisioned
// robot advertises its control server over DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/laika-robotics/laikactl/internal/device"
	"github.com/laika-robotics/laikactl/internal/logx"
)

const (
	// ServiceName is the DNS-SD service type robots advertise under.
	ServiceName = "_laika-robot._tcp"
	// Domain is the mDNS domain to browse.
	Domain = "local."
)

// DefaultBrowseTimeout bounds one scan window when the caller's context
// carries no deadline. Robots answer within a second on a healthy LAN.
const DefaultBrowseTimeout = 3 * time.Second

// Browser resolves the underlying mDNS queries. *zeroconf.Resolver satisfies
// it. Implementations stream entries until ctx ends and then close the
// channel.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Scanner browses one window at a time and turns service entries into device
// descriptors.
type Scanner struct {
	browser Browser
	timeout time.Duration
}

// NewScanner creates a scanner on a fresh multicast resolver.
func NewScanner() (*Scanner, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}
	return &Scanner{browser: r, timeout: DefaultBrowseTimeout}, nil
}

// Scan browses one window and returns the robots found, best candidate
// first. An empty result is not an error; the caller decides what an empty
// network means.
func (s *Scanner) Scan(ctx context.Context) ([]device.Descriptor, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := s.browser.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	var found []device.Descriptor
	seen := make(map[string]bool)
	for entry := range entries {
		d, ok := descriptorFromEntry(entry)
		if !ok {
			logx.Debug("discovery: %s 沒有可用位址，略過", entry.Instance)
			continue
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		found = append(found, d)
	}

	rank(found)
	return found, nil
}

// descriptorFromEntry maps one service entry to a descriptor. Entries that
// resolved no address are unusable and dropped.
func descriptorFromEntry(entry *zeroconf.ServiceEntry) (device.Descriptor, bool) {
	ip := pickAddress(entry)
	if ip == nil {
		return device.Descriptor{}, false
	}

	txt := parseTXT(entry.Text)
	id := txt["device_id"]
	if id == "" {
		id = entry.Instance
	}
	name := txt["name"]
	if name == "" {
		name = entry.Instance
	}

	return device.Descriptor{
		ID:        id,
		Name:      name,
		Transport: device.HintLocal,
		Address:   net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		LastSeen:  time.Now(),
		Online:    true,
	}, true
}

// pickAddress prefers IPv4; robot LANs rarely route IPv6 to the controller.
func pickAddress(entry *zeroconf.ServiceEntry) net.IP {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0]
	}
	return nil
}

// parseTXT flattens DNS-SD TXT pairs into a map. Keys without a value map to
// the empty string.
func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		key, value, _ := strings.Cut(kv, "=")
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// rank orders candidates: robots that published a device_id come before
// anonymous entries, ties break on name for a stable listing.
func rank(devs []device.Descriptor) {
	sort.SliceStable(devs, func(i, j int) bool {
		iNamed := devs[i].ID != devs[i].Name
		jNamed := devs[j].ID != devs[j].Name
		if iNamed != jNamed {
			return iNamed
		}
		return devs[i].Name < devs[j].Name
	})
}
