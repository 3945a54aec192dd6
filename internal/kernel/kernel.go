package kernel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"ex-relay/pkg/relay"
)

// Kernel wires drivers to modules: drivers publish inbound chat events on the
// bus, modules subscribe to the events their capabilities declare, and the
// kernel owns the lifecycle of both.
type Kernel struct {
	cfg      config
	bus      *EventBus
	services *ServiceRegistry

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []driverRecord

	running atomic.Bool
}

type driverRecord struct {
	name   string
	driver relay.Driver
}

// New creates a kernel with an empty bus and service registry.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptions, cfg.onAsyncError),
		services: NewServiceRegistry(),
	}
}

// EventBus exposes the kernel event bus to integration code.
func (k *Kernel) EventBus() relay.EventBus {
	return k.bus
}

// Services exposes the kernel service registry.
func (k *Kernel) Services() relay.ServiceRegistry {
	return k.services
}

// RegisterService binds a shared singleton such as the logger or reply dispatcher.
// Services must be registered before the modules that require them.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	return nil
}

// RegisterModule validates module's spec, runs its OnRegister hook, and
// subscribes its declared handlers. A failure leaves no trace of the module.
func (k *Kernel) RegisterModule(ctx context.Context, module relay.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	record := &moduleRecord{name: name, module: module, capabilities: spec.Capabilities()}
	if err := k.requireServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if err := k.addModule(record); err != nil {
		return err
	}

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
		route:      k.cfg.routing.routeFor(name),
	}
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	err := k.bindModule(hookCtx, runtime, module, spec.Handlers)
	if err != nil {
		k.removeModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	return nil
}

func (k *Kernel) bindModule(
	ctx context.Context,
	runtime *moduleRuntime,
	module relay.Module,
	handlers []relay.ModuleHandler,
) error {
	if registrar, ok := module.(relay.ModuleRegistrar); ok {
		err := runSafely("module "+runtime.moduleName+" OnRegister", func() error {
			return registrar.OnRegister(ctx, runtime)
		})
		if err != nil {
			return err
		}
	}

	for index, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", runtime.moduleName, index+1)
		}
		if _, err := runtime.Subscribe(ctx, declared.Capability.Interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("capability %s: %w", declared.Capability.Name, err)
		}
	}

	return nil
}

func (k *Kernel) addModule(record *moduleRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	taken := slices.ContainsFunc(k.modules, func(existing *moduleRecord) bool {
		return existing.name == record.name
	})
	if taken {
		return fmt.Errorf("register module %s: %w", record.name, relay.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)

	return nil
}

// removeModule undoes a partial registration, closing whatever the module
// subscribed before it failed.
func (k *Kernel) removeModule(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()
	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.cfg.onAsyncError(cleanupCtx, "module "+record.name+" rollback", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules = slices.DeleteFunc(k.modules, func(existing *moduleRecord) bool {
		return existing == record
	})
}

// RegisterDriver adds a driver to be started by Run.
func (k *Kernel) RegisterDriver(driver relay.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	taken := slices.ContainsFunc(k.drivers, func(existing driverRecord) bool {
		return existing.name == name
	})
	if taken {
		return fmt.Errorf("register driver %s: %w", name, relay.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driverRecord{name: name, driver: driver})

	return nil
}

func (k *Kernel) moduleSnapshot() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules)
}

func (k *Kernel) driverSnapshot() []driverRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.drivers)
}

// requireServices fails when a capability names a service nobody registered.
func (k *Kernel) requireServices(capabilities []relay.Capability) error {
	for _, capability := range capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return fmt.Errorf("capability %s (registered services: %s): %w",
					capability.Name, strings.Join(k.services.Names(), ", "), err)
			}
		}
	}

	return nil
}

// validateModuleSpec rejects unnamed or duplicate capabilities, nil handlers,
// and duplicate subscription names.
func validateModuleSpec(spec relay.ModuleSpec) error {
	capabilities := make(map[string]bool)
	subscriptions := make(map[string]bool)
	claim := func(seen map[string]bool, kind, name string) error {
		if seen[name] {
			return fmt.Errorf("duplicate %s name %s", kind, name)
		}
		seen[name] = true
		return nil
	}

	for index, handler := range spec.Handlers {
		if handler.Capability.Name == "" {
			return fmt.Errorf("module handler %d: empty capability name", index)
		}
		if err := claim(capabilities, "capability", handler.Capability.Name); err != nil {
			return fmt.Errorf("module handler %d: %w", index, err)
		}
		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if name := handler.Subscription.Name; name != "" {
			if err := claim(subscriptions, "subscription", name); err != nil {
				return fmt.Errorf("module handler %s: %w", handler.Capability.Name, err)
			}
		}
	}

	for index, capability := range spec.AdditionalCapabilities {
		if capability.Name == "" {
			return fmt.Errorf("additional capability %d: empty capability name", index)
		}
		if err := claim(capabilities, "capability", capability.Name); err != nil {
			return fmt.Errorf("additional capability %d: %w", index, err)
		}
	}

	return nil
}
