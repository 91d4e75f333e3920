package common

import "sync"

// ErrModulePaused is returned by mutating entry points while their module is
// paused by the gateway.
var ErrModulePaused = NewError(KindAuthorization, "module paused")

// PauseView reports whether a module is currently paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused when the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is an in-memory PauseView toggled by privileged callers.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns an empty pause table.
func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

// Set toggles the pause flag for module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}
