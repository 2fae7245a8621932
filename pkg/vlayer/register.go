package vlayer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"modernc.org/sqlite/vtab"

	"github.com/leapstack-labs/vlayer/pkg/core"
)

// The driver keeps registered modules for the life of the process, so each
// name gets one shim that forwards to whichever Module is installed.
var (
	shimsMu sync.Mutex
	shims   = map[string]*shim{}
)

type shim struct {
	name   string
	module atomic.Pointer[Module]
}

// Register installs m under name for connections opened afterwards, along
// with the geometry SQL functions. It fails while another module holds the
// name.
func Register(name string, m *Module) error {
	if name == "" || m == nil {
		return fmt.Errorf("vlayer: register needs a name and a module")
	}
	if err := RegisterFunctions(); err != nil {
		return err
	}

	shimsMu.Lock()
	defer shimsMu.Unlock()
	s, ok := shims[name]
	if !ok {
		s = &shim{name: name}
		if err := vtab.RegisterModule(nil, name, s); err != nil {
			return fmt.Errorf("vlayer: failed to register module %s: %w", name, err)
		}
		shims[name] = s
	}
	if !s.module.CompareAndSwap(nil, m) {
		return fmt.Errorf("vlayer: module %s is already registered", name)
	}
	return nil
}

// Unregister detaches the module installed under name. Tables created
// through the name fail to connect until a module is registered again.
// Unknown names are ignored.
func Unregister(name string) {
	shimsMu.Lock()
	defer shimsMu.Unlock()
	if s, ok := shims[name]; ok {
		s.module.Store(nil)
	}
}

func (s *shim) current() (*Module, error) {
	m := s.module.Load()
	if m == nil {
		return nil, &core.SchemaError{Reason: fmt.Sprintf("module %s is not registered", s.name)}
	}
	return m, nil
}

func (s *shim) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	m, err := s.current()
	if err != nil {
		return nil, err
	}
	return m.Create(ctx, args)
}

func (s *shim) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	m, err := s.current()
	if err != nil {
		return nil, err
	}
	return m.Connect(ctx, args)
}
