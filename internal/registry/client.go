// Package registry looks robots up in the fleet registry, the HTTP service
// robots report to while they are online.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/laika-robotics/laikactl/internal/device"
)

// devicesPath is the polled endpoint returning every known robot.
const devicesPath = "/devices"

// Client is a thin HTTP client for the registry API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// record is the registry's wire shape for one robot.
type record struct {
	DeviceID string    `json:"device_id"`
	Name     string    `json:"display_name"`
	Address  string    `json:"network_address"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// Devices fetches every robot the registry knows about, including stale ones.
func (c *Client) Devices(ctx context.Context) ([]device.Descriptor, error) {
	var records []record
	if err := c.getJSON(ctx, devicesPath, &records); err != nil {
		return nil, err
	}

	out := make([]device.Descriptor, 0, len(records))
	for _, r := range records {
		out = append(out, device.Descriptor{
			ID:        r.DeviceID,
			Name:      r.Name,
			Transport: device.HintRegistry,
			Address:   r.Address,
			LastSeen:  r.LastSeen,
			Online:    r.Online,
		})
	}
	return out, nil
}

// FreshDevices fetches the registry and keeps robots seen within the window,
// most recently seen first. The cascade dials the head of this list.
func (c *Client) FreshDevices(ctx context.Context, window time.Duration) ([]device.Descriptor, error) {
	devs, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fresh := devs[:0]
	for _, d := range devs {
		if d.Fresh(window, now) {
			fresh = append(fresh, d)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].LastSeen.After(fresh[j].LastSeen) })
	return fresh, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("registry: request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("registry: request failed: %s", res.Status)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
