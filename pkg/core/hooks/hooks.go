// Package hooks owns the interceptors placed over libc entry points and the
// dispatch between a hooked call's fast path (passthrough to the original
// implementation) and its slow path (the layer's own handlers).
//
// The hook set is fixed at compile time. Installation happens exactly once,
// before any application code can observe the unpatched symbols; a single
// failed installation aborts layer startup, because running with a
// partially-intercepted libc produces behavior nobody can debug.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Category groups intercepted symbols by the handler that serves them.
type Category int

const (
	CategorySocket Category = iota
	CategoryFile
	CategoryResolve
)

func (c Category) String() string {
	switch c {
	case CategorySocket:
		return "socket"
	case CategoryFile:
		return "file"
	case CategoryResolve:
		return "resolve"
	}
	return "unknown"
}

// Hook identifies one intercepted libc symbol. Original holds the address
// of the unpatched implementation as handed back by the installer; it is
// what the dispatcher calls on the passthrough path. Never mutated after
// installation.
type Hook struct {
	Symbol   string
	Category Category

	Original  uintptr
	installed bool
}

// Installer is the platform-specific binary-patching capability. The layer
// treats it as opaque: whatever mechanism rewires the symbol must hand back
// the original entry point so passthrough keeps working.
type Installer interface {
	// Install patches sym and returns the original entry point.
	Install(sym string) (uintptr, error)
	// Uninstall restores the original entry point, best effort.
	Uninstall(sym string) error
}

// interceptedSymbols is the complete, fixed set of libc entry points the
// layer patches.
var interceptedSymbols = []struct {
	symbol   string
	category Category
}{
	{"socket", CategorySocket},
	{"bind", CategorySocket},
	{"listen", CategorySocket},
	{"connect", CategorySocket},
	{"accept", CategorySocket},
	{"accept4", CategorySocket},
	{"send", CategorySocket},
	{"sendto", CategorySocket},
	{"recv", CategorySocket},
	{"recvfrom", CategorySocket},
	{"getpeername", CategorySocket},
	{"getsockname", CategorySocket},
	{"close", CategorySocket},
	{"open", CategoryFile},
	{"openat", CategoryFile},
	{"read", CategoryFile},
	{"write", CategoryFile},
	{"lseek", CategoryFile},
	{"getaddrinfo", CategoryResolve},
	{"gethostbyname", CategoryResolve},
}

// Registry holds the fixed hook set and drives one-shot installation.
type Registry struct {
	logger    *zap.Logger
	installer Installer

	hooks map[string]*Hook

	installOnce sync.Once
	installErr  error
}

// NewRegistry builds the registry with the compile-time hook set. Nothing
// is patched until Install runs.
func NewRegistry(logger *zap.Logger, installer Installer) *Registry {
	hooks := make(map[string]*Hook, len(interceptedSymbols))
	for _, s := range interceptedSymbols {
		hooks[s.symbol] = &Hook{Symbol: s.symbol, Category: s.category}
	}
	return &Registry{
		logger:    logger,
		installer: installer,
		hooks:     hooks,
	}
}

// Install patches every symbol in the hook set. It is idempotent: the work
// runs once and later calls observe the first outcome. If any symbol fails,
// already-patched symbols are rolled back and the error is returned so the
// caller aborts startup.
func (r *Registry) Install(_ context.Context) error {
	r.installOnce.Do(func() {
		r.installErr = r.installAll()
	})
	return r.installErr
}

func (r *Registry) installAll() error {
	done := make([]*Hook, 0, len(r.hooks))
	for _, s := range interceptedSymbols {
		h := r.hooks[s.symbol]
		orig, err := r.installer.Install(h.Symbol)
		if err != nil {
			for _, d := range done {
				if uerr := r.installer.Uninstall(d.Symbol); uerr != nil {
					r.logger.Error("failed to roll back hook",
						zap.String("symbol", d.Symbol), zap.Error(uerr))
				}
				d.installed = false
			}
			return fmt.Errorf("failed to install hook for %q: %w", h.Symbol, err)
		}
		h.Original = orig
		h.installed = true
		done = append(done, h)
		r.logger.Debug("installed hook", zap.String("symbol", h.Symbol),
			zap.String("category", h.Category.String()))
	}
	r.logger.Info("interception hooks installed", zap.Int("count", len(done)))
	return nil
}

// Installed reports whether installation completed successfully.
func (r *Registry) Installed() bool {
	return r.installErr == nil && r.lookup("socket") != nil && r.lookup("socket").installed
}

// Uninstall restores the original symbols, best effort, at teardown.
func (r *Registry) Uninstall() {
	for _, s := range interceptedSymbols {
		h := r.hooks[s.symbol]
		if !h.installed {
			continue
		}
		if err := r.installer.Uninstall(h.Symbol); err != nil {
			r.logger.Debug("failed to uninstall hook",
				zap.String("symbol", h.Symbol), zap.Error(err))
			continue
		}
		h.installed = false
	}
}

func (r *Registry) lookup(sym string) *Hook {
	return r.hooks[sym]
}

// Lookup exposes a hook entry, mainly for diagnostics.
func (r *Registry) Lookup(sym string) (*Hook, bool) {
	h, ok := r.hooks[sym]
	return h, ok
}
