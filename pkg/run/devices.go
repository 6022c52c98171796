package run

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Simulator states reported by simctl.
const (
	StateBooted   = "Booted"
	StateShutdown = "Shutdown"
	StateBooting  = "Booting"
)

// SimDevice is one entry of "simctl list devices --json".
type SimDevice struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
	Runtime     string `json:"-"`
}

// DeviceList is the decoded device list, keyed by runtime identifier.
type DeviceList struct {
	Devices map[string][]SimDevice `json:"devices"`
}

// ParseDeviceList decodes simctl's JSON device list.
func ParseDeviceList(data []byte) (*DeviceList, error) {
	var list DeviceList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse simctl device list: %w", err)
	}
	for runtime, devices := range list.Devices {
		for i := range devices {
			devices[i].Runtime = runtime
		}
	}
	return &list, nil
}

// Find returns the device with udid.
func (l *DeviceList) Find(udid string) (SimDevice, bool) {
	for _, devices := range l.Devices {
		for _, d := range devices {
			if d.UDID == udid {
				return d, true
			}
		}
	}
	return SimDevice{}, false
}

// Booted returns every booted device, ordered by name.
func (l *DeviceList) Booted() []SimDevice {
	var out []SimDevice
	for _, devices := range l.Devices {
		for _, d := range devices {
			if d.State == StateBooted {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
