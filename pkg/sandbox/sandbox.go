// Package sandbox abstracts the provisioning API for the isolated
// environments that runs execute in. A handle is an opaque string that
// survives process restarts; everything the reaper needs to kill an
// orphan is the handle plus the backend name.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrGone marks a sandbox that no longer exists on the backend. Kill
// treats it as success; everything else surfaces it.
var ErrGone = errors.New("sandbox gone")

// Spec describes the environment to provision.
type Spec struct {
	Image      string
	TimeoutSec int
	Env        map[string]string
	Labels     map[string]string
}

// Sandbox is a provisioned environment.
type Sandbox struct {
	Handle  string
	Backend string
}

// LaunchSpec describes one agent invocation inside a sandbox.
type LaunchSpec struct {
	Prompt       string
	Model        string
	AllowedTools []string
	WorkDir      string
	Env          map[string]string
	TimeoutSec   int
}

// Process is a launched agent. Output must be drained before Wait
// returns a meaningful exit code.
type Process interface {
	Output() io.Reader
	Wait(ctx context.Context) (int, error)
}

// Provisioner is one sandbox backend.
type Provisioner interface {
	Name() string
	Create(ctx context.Context, spec Spec) (*Sandbox, error)
	Connect(ctx context.Context, handle string) (*Sandbox, error)
	// Kill tears the sandbox down. An already-gone sandbox is success.
	Kill(ctx context.Context, handle string) error
	Launch(ctx context.Context, handle string, spec LaunchSpec) (Process, error)
	// ReadFile fetches at most maxBytes of a file, for artifact capture.
	ReadFile(ctx context.Context, handle string, path string, maxBytes int64) ([]byte, error)
}

// QualifiedHandle prefixes a handle with its backend name so a stored
// handle is killable without knowing which backend created it.
func QualifiedHandle(backend, handle string) string {
	return backend + "://" + handle
}

// SplitHandle is the inverse of QualifiedHandle. A bare handle maps to
// the default backend.
func SplitHandle(qualified string) (backend, handle string) {
	if i := strings.Index(qualified, "://"); i >= 0 {
		return qualified[:i], qualified[i+3:]
	}
	return "", qualified
}

// Registry holds the configured backends keyed by name.
type Registry struct {
	backends    map[string]Provisioner
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Provisioner)}
}

// Register adds a backend. The first registered backend becomes the
// default until SetDefault overrides it.
func (r *Registry) Register(p Provisioner) {
	if len(r.backends) == 0 {
		r.defaultName = p.Name()
	}
	r.backends[p.Name()] = p
}

func (r *Registry) SetDefault(name string) error {
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("unknown sandbox backend %q", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the named backend, or the default when name is empty.
func (r *Registry) Get(name string) (Provisioner, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox backend %q (have %v)", name, r.Names())
	}
	return p, nil
}

func (r *Registry) Default() (Provisioner, error) {
	return r.Get("")
}

// Kill routes a qualified handle to its backend's Kill.
func (r *Registry) Kill(ctx context.Context, qualified string) error {
	backend, handle := SplitHandle(qualified)
	p, err := r.Get(backend)
	if err != nil {
		return err
	}
	return p.Kill(ctx, handle)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
