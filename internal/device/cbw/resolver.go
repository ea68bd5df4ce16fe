package cbw

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AccountBinding is the (account, device) pair resolved for an
// installation. Immutable once resolved.
type AccountBinding struct {
	AccountID uint64
	DeviceID  string
}

// Resolver maps an installation identifier to its account binding.
type Resolver interface {
	// Resolve returns the binding for installationID, or false when no
	// binding exists. Callers must fail the operation on a missing
	// binding; it is never silently defaulted to an invalid state.
	Resolve(installationID string) (AccountBinding, bool)
}

// StaticResolver is a table lookup with an optional default fallback used
// when both default account and device are configured.
type StaticResolver struct {
	bindings       map[string]AccountBinding
	defaultAccount uint64
	defaultDevice  string
}

// NewStaticResolver builds a resolver over bindings. defaultAccount and
// defaultDevice are the fallback; the fallback is active only when both
// are set.
func NewStaticResolver(bindings map[string]AccountBinding, defaultAccount uint64, defaultDevice string) *StaticResolver {
	if bindings == nil {
		bindings = map[string]AccountBinding{}
	}
	return &StaticResolver{
		bindings:       bindings,
		defaultAccount: defaultAccount,
		defaultDevice:  defaultDevice,
	}
}

func (r *StaticResolver) Resolve(installationID string) (AccountBinding, bool) {
	if b, ok := r.bindings[installationID]; ok {
		return b, true
	}
	if r.defaultAccount != 0 && r.defaultDevice != "" {
		return AccountBinding{AccountID: r.defaultAccount, DeviceID: r.defaultDevice}, true
	}
	return AccountBinding{}, false
}

// bindingsFile is the on-disk shape of the installation binding table.
type bindingsFile struct {
	DefaultAccount uint64 `yaml:"default_account"`
	DefaultDevice  string `yaml:"default_device"`
	Installations  map[string]struct {
		Account uint64 `yaml:"account"`
		Device  string `yaml:"device"`
	} `yaml:"installations"`
}

// LoadResolver reads a StaticResolver from a YAML bindings file:
//
//	default_account: 42
//	default_device: dev-main
//	installations:
//	  house-1: {account: 7, device: dev-h1}
func LoadResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cbw: read bindings file: %w", err)
	}
	var f bindingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cbw: parse bindings file: %w", err)
	}
	bindings := make(map[string]AccountBinding, len(f.Installations))
	for id, b := range f.Installations {
		if b.Account == 0 || b.Device == "" {
			return nil, fmt.Errorf("cbw: binding for %q must set both account and device", id)
		}
		bindings[id] = AccountBinding{AccountID: b.Account, DeviceID: b.Device}
	}
	return NewStaticResolver(bindings, f.DefaultAccount, f.DefaultDevice), nil
}
