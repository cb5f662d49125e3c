// Package registry maintains the device map and primary election inside a session
// document. Every function edits a draft in place and is meant to run inside a
// store mutation, so an election and its demotion land in the same change.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/sessync/internal/doc"
)

var (
	ErrUnknownDevice = errors.New("registry: unknown device")
	ErrInvalidDevice = errors.New("registry: invalid device")
	ErrRoleChange    = errors.New("registry: role change not allowed")
)

// CapabilitiesFor returns the fixed capability set of a role.
func CapabilitiesFor(role doc.Role) []doc.Capability {
	switch role {
	case doc.RolePrimary:
		return []doc.Capability{doc.CapUpload, doc.CapTranscribe, doc.CapTranslate, doc.CapDownload, doc.CapConfigure}
	case doc.RoleSecondary:
		return []doc.Capability{doc.CapUpload, doc.CapDownload}
	case doc.RoleViewer:
		return []doc.Capability{doc.CapDownload}
	default:
		return nil
	}
}

// AddDevice registers dev. The first device of a session becomes primary, later
// ones secondary. Re-adding a known device refreshes its name, type and lastSeenAt
// and keeps its role.
func AddDevice(d *doc.SessionDocument, dev doc.Device, now time.Time) (doc.Device, error) {
	if dev.ID == "" {
		return doc.Device{}, fmt.Errorf("%w: missing id", ErrInvalidDevice)
	}
	if d.Devices == nil {
		d.Devices = map[string]doc.Device{}
	}
	ts := now.UnixMilli()
	if existing, ok := d.Devices[dev.ID]; ok {
		if dev.Name != "" {
			existing.Name = dev.Name
		}
		if dev.Type != "" {
			existing.Type = dev.Type
		}
		existing.LastSeenAt = ts
		d.Devices[dev.ID] = existing
		return existing, nil
	}

	dev.Role = doc.RoleSecondary
	if _, ok := d.Primary(); !ok {
		dev.Role = doc.RolePrimary
		d.PrimaryDeviceID = doc.Ptr(dev.ID)
	}
	dev.Capabilities = CapabilitiesFor(dev.Role)
	dev.ConnectedAt = ts
	dev.LastSeenAt = ts
	d.Devices[dev.ID] = dev
	return dev, nil
}

// PromoteDevice makes id the primary and demotes the previous primary to secondary.
func PromoteDevice(d *doc.SessionDocument, id string) error {
	target, ok := d.Devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	for otherID, other := range d.Devices {
		if otherID != id && other.Role == doc.RolePrimary {
			setRole(d, otherID, other, doc.RoleSecondary)
		}
	}
	setRole(d, id, target, doc.RolePrimary)
	d.PrimaryDeviceID = doc.Ptr(id)
	return nil
}

// SetRole moves a non-primary device between secondary and viewer. Primary
// changes go through PromoteDevice.
func SetRole(d *doc.SessionDocument, id string, role doc.Role) error {
	dev, ok := d.Devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if role == doc.RolePrimary || dev.Role == doc.RolePrimary {
		return fmt.Errorf("%w: %s %s->%s", ErrRoleChange, id, dev.Role, role)
	}
	if role != doc.RoleSecondary && role != doc.RoleViewer {
		return fmt.Errorf("%w: unknown role %q", ErrRoleChange, role)
	}
	setRole(d, id, dev, role)
	return nil
}

// RemoveDevice deletes id. Removing the primary promotes the remaining device with
// the lowest id; removing the last device clears PrimaryDeviceID.
func RemoveDevice(d *doc.SessionDocument, id string) error {
	dev, ok := d.Devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	delete(d.Devices, id)
	wasPrimary := dev.Role == doc.RolePrimary || (d.PrimaryDeviceID != nil && *d.PrimaryDeviceID == id)
	if !wasPrimary {
		return nil
	}
	ids := sortedIDs(d.Devices)
	if len(ids) == 0 {
		d.PrimaryDeviceID = nil
		return nil
	}
	return PromoteDevice(d, ids[0])
}

// Touch refreshes lastSeenAt for a known device.
func Touch(d *doc.SessionDocument, id string, now time.Time) bool {
	dev, ok := d.Devices[id]
	if !ok {
		return false
	}
	dev.LastSeenAt = now.UnixMilli()
	d.Devices[id] = dev
	return true
}

// List returns devices ordered by connection time, then id.
func List(d doc.SessionDocument) []doc.Device {
	out := make([]doc.Device, 0, len(d.Devices))
	for _, dev := range d.Devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reconcile repairs the single-primary invariant after concurrent edits merged:
// it drops partially deleted device entries, keeps the device named by
// PrimaryDeviceID when it exists (else the lowest-id primary, else the lowest-id
// device) and aligns roles and capabilities. The result depends only on the
// document, so every replica that runs it writes the same values.
func Reconcile(d *doc.SessionDocument) bool {
	changed := false
	for id, dev := range d.Devices {
		if dev.ID != id || dev.Role == "" {
			delete(d.Devices, id)
			changed = true
		}
	}

	ids := sortedIDs(d.Devices)
	if len(ids) == 0 {
		if d.PrimaryDeviceID != nil {
			d.PrimaryDeviceID = nil
			changed = true
		}
		return changed
	}

	target := ""
	if d.PrimaryDeviceID != nil {
		if _, ok := d.Devices[*d.PrimaryDeviceID]; ok {
			target = *d.PrimaryDeviceID
		}
	}
	if target == "" {
		for _, id := range ids {
			if d.Devices[id].Role == doc.RolePrimary {
				target = id
				break
			}
		}
	}
	if target == "" {
		target = ids[0]
	}

	if d.PrimaryDeviceID == nil || *d.PrimaryDeviceID != target {
		d.PrimaryDeviceID = doc.Ptr(target)
		changed = true
	}
	for _, id := range ids {
		dev := d.Devices[id]
		want := dev.Role
		switch {
		case id == target:
			want = doc.RolePrimary
		case dev.Role == doc.RolePrimary:
			want = doc.RoleSecondary
		}
		if want != dev.Role || !sameCaps(dev.Capabilities, CapabilitiesFor(want)) {
			setRole(d, id, dev, want)
			changed = true
		}
	}
	return changed
}

func setRole(d *doc.SessionDocument, id string, dev doc.Device, role doc.Role) {
	dev.Role = role
	dev.Capabilities = CapabilitiesFor(role)
	d.Devices[id] = dev
}

func sortedIDs(devices map[string]doc.Device) []string {
	ids := make([]string, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sameCaps(a, b []doc.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
