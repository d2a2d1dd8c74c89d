// ABOUTME: Device Registry: singly-linked list of known remote receivers
// ABOUTME: Owned by the player thread except for the registry mutex guarding discovery callbacks
package device

import (
	"errors"
	"sync"
)

// ErrPasswordRequired marks a device that needs a password the caller has
// not supplied — distinct from a hard failure so speaker_set can report
// -2 without aborting activation of the rest of the requested set.
var ErrPasswordRequired = errors.New("device: password required")

// PasswordLookup resolves a stored password for a device by its display
// name; cmd/playerd backs it with environment variables.
type PasswordLookup interface {
	LookupPassword(name string) (password string, ok bool)
}

// Session is the opaque per-device remote session handle the Output
// Coordinator attaches once a device is activated. The registry only
// tracks its presence; the session's lifecycle is the coordinator's.
type Session interface{}

// Device is one registry entry: a discovered (or statically configured)
// remote receiver.
type Device struct {
	ID          uint32
	Name        string
	Address     string
	Port        int
	HasPassword bool
	Password    string

	Advertised bool
	Selected   bool
	Session    Session

	next *Device
}

// Registry is a singly-linked list guarded by one mutex, per the
// single-writer-elsewhere, multi-writer-here discovery callback model.
type Registry struct {
	mu      sync.Mutex
	head    *Device
	passwds PasswordLookup
}

// NewRegistry creates an empty registry. passwds may be nil if password
// lookups are never expected (e.g. in tests).
func NewRegistry(passwds PasswordLookup) *Registry {
	return &Registry{passwds: passwds}
}

// Upsert handles an advertisement appear/update event: inserting the
// device if new, or refreshing name/address/password-requirement in
// place if already known. Always marks the device advertised.
func (r *Registry) Upsert(id uint32, name, address string, port int, hasPassword bool) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d := r.findLocked(id); d != nil {
		d.Name = name
		d.Address = address
		d.Port = port
		d.HasPassword = hasPassword
		d.Advertised = true
		r.resolvePasswordLocked(d)
		return d
	}

	d := &Device{
		ID:          id,
		Name:        name,
		Address:     address,
		Port:        port,
		HasPassword: hasPassword,
		Advertised:  true,
	}
	r.resolvePasswordLocked(d)

	d.next = r.head
	r.head = d
	return d
}

func (r *Registry) resolvePasswordLocked(d *Device) {
	if !d.HasPassword || r.passwds == nil {
		return
	}
	if pw, ok := r.passwds.LookupPassword(d.Name); ok {
		d.Password = pw
	}
}

// Withdraw handles an advertisement withdraw event. A device with no live
// session is unlinked and freed immediately; one with a session is kept
// alive (advertised := false) until the session itself tears down and
// calls Remove.
func (r *Registry) Withdraw(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.findLocked(id)
	if d == nil {
		return
	}
	if d.Session == nil {
		r.unlinkLocked(id)
		return
	}
	d.Advertised = false
}

// Remove unconditionally unlinks a device, used at session teardown for
// one that was withdrawn while still sessioned.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlinkLocked(id)
}

func (r *Registry) unlinkLocked(id uint32) {
	if r.head == nil {
		return
	}
	if r.head.ID == id {
		r.head = r.head.next
		return
	}
	for d := r.head; d.next != nil; d = d.next {
		if d.next.ID == id {
			d.next = d.next.next
			return
		}
	}
}

func (r *Registry) findLocked(id uint32) *Device {
	for d := r.head; d != nil; d = d.next {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Find looks up a device by id.
func (r *Registry) Find(id uint32) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

// All returns a snapshot slice of every registered device, advertised or
// not, for speaker_set's reconciliation pass.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Device
	for d := r.head; d != nil; d = d.next {
		out = append(out, d)
	}
	return out
}

// RequiresPassword reports whether a device needs a password the registry
// was unable to resolve — the condition speaker_set checks before
// activating a selected device.
func (d *Device) RequiresPassword() bool {
	return d.HasPassword && d.Password == ""
}
