package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/laika-robotics/laikactl/internal/device"
)

func TestDevicesParsesRecords(t *testing.T) {
	seen := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != devicesPath {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `[{"device_id":"laika-3f2a","display_name":"Laika","network_address":"192.168.1.7:8765","last_seen":%q,"online":true}]`, seen)
	}))
	defer srv.Close()

	devs, err := NewClient(srv.URL).Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 1 {
		t.Fatalf("devices = %d, want 1", len(devs))
	}

	got := devs[0]
	if got.ID != "laika-3f2a" || got.Name != "Laika" {
		t.Errorf("identity = %q/%q, want laika-3f2a/Laika", got.ID, got.Name)
	}
	if got.Transport != device.HintRegistry {
		t.Errorf("transport hint = %q, want registry", got.Transport)
	}
	if got.Address != "192.168.1.7:8765" {
		t.Errorf("address = %q mismatch", got.Address)
	}
	if !got.Online || got.LastSeen.IsZero() {
		t.Errorf("liveness = online:%v seen:%v, want online with a timestamp", got.Online, got.LastSeen)
	}
}

func TestFreshDevicesFiltersAndSorts(t *testing.T) {
	now := time.Now().UTC()
	records := fmt.Sprintf(`[
		{"device_id":"old","last_seen":%q},
		{"device_id":"newest","last_seen":%q},
		{"device_id":"recent","last_seen":%q},
		{"device_id":"never"}
	]`,
		now.Add(-10*time.Minute).Format(time.RFC3339),
		now.Add(-30*time.Second).Format(time.RFC3339),
		now.Add(-2*time.Minute).Format(time.RFC3339),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, records)
	}))
	defer srv.Close()

	devs, err := NewClient(srv.URL).FreshDevices(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("FreshDevices: %v", err)
	}

	ids := make([]string, 0, len(devs))
	for _, d := range devs {
		ids = append(ids, d.ID)
	}
	want := []string{"newest", "recent"}
	if len(ids) != len(want) {
		t.Fatalf("fresh devices = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("fresh devices = %v, want newest first %v", ids, want)
		}
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Devices(context.Background())
	if err == nil {
		t.Fatal("Devices succeeded against a 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "maintenance window") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestEmptyRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	devs, err := NewClient(srv.URL).Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devs) != 0 {
		t.Errorf("devices = %v, want none", devs)
	}
}
