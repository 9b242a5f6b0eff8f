package axienet

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Handle identifies a device in a Registry.
type Handle uint64

// Registry owns attached devices. Handles are never reused.
type Registry struct {
	mu   sync.RWMutex
	last Handle
	devs map[Handle]*Device
}

func NewRegistry() *Registry {
	return &Registry{devs: make(map[Handle]*Device)}
}

// Attach attaches a device and adds it to the registry. Devices without a
// name are named after their handle; names must be unique.
func (r *Registry) Attach(w Windows, cfg Config, opts Options) (Handle, *Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.last + 1
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("axienet%d", h)
	}
	for _, d := range r.devs {
		if d.Name() == cfg.Name {
			return 0, nil, configErrorf("name", "device %q is already attached", cfg.Name)
		}
	}

	d, err := Attach(w, cfg, opts)
	if err != nil {
		return 0, nil, err
	}
	r.last = h
	r.devs[h] = d
	return h, d, nil
}

// Get returns the device of h.
func (r *Registry) Get(h Handle) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, h)
	}
	return d, nil
}

// Detach detaches the device of h and removes it. The entry is removed
// even if detaching reports an error.
func (r *Registry) Detach(h Handle) error {
	r.mu.Lock()
	d, ok := r.devs[h]
	delete(r.devs, h)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, h)
	}
	return d.Detach()
}

// Handles returns the handles of every device in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]Handle, 0, len(r.devs))
	for h := range r.devs {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}

// Devices returns every device ordered by handle.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]Handle, 0, len(r.devs))
	for h := range r.devs {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	out := make([]*Device, len(hs))
	for i, h := range hs {
		out[i] = r.devs[h]
	}
	return out
}

// Close detaches every device.
func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.Handles() {
		if err := r.Detach(h); err != nil {
			errs = append(errs, fmt.Errorf("detaching %d: %w", h, err))
		}
	}
	return errors.Join(errs...)
}
