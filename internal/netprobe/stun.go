// Package netprobe checks what the network path can support before a
// connect is attempted. A symmetric NAT verdict tells the operator that
// direct WebRTC will likely need TURN, before a 30 second cascade proves it
// the slow way.
package netprobe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"github.com/laika-robotics/laikactl/internal/logx"
)

// NAT classifications derived from STUN mapped addresses.
const (
	NATUnknown   = "unknown"
	NATSymmetric = "symmetric"
	NATCone      = "cone_or_restricted"
)

// Report is the outcome of one probe round.
type Report struct {
	// MappedAddress is the public address the first reachable STUN server
	// observed. It belongs to the probe socket, not to any later data
	// channel socket.
	MappedAddress string
	// NATType classifies the NAT from the spread of mapped addresses.
	NATType string
}

// Probe queries every STUN server and classifies the NAT from the answers.
// It fails only when no server was reachable.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Report, error) {
	if len(servers) == 0 {
		return Report{NATType: NATUnknown}, fmt.Errorf("netprobe: no STUN servers configured")
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			logx.Debug("netprobe: %s 查詢失敗: %v", server, err)
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("netprobe: probe failed")
		}
		return Report{NATType: NATUnknown}, lastErr
	}

	return Report{MappedAddress: mapped[0], NATType: Classify(mapped)}, nil
}

// Classify infers the NAT type by comparing mapped addresses from different
// servers. One answer is not enough to judge.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATCone
}

// probeServer runs one binding request against one server under its own
// timeout.
func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("netprobe: empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
