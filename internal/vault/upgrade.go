package vault

import (
	"context"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ImplementationSlot marks logic that can sit behind a stable address. It is
// keccak256("tokenvault.proxiable") minus one.
var ImplementationSlot = implementationSlot()

func implementationSlot() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("tokenvault.proxiable"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

// ProxiableID returns ImplementationSlot for sealed implementations. Live
// instances are not valid upgrade targets.
func (v *Vault) ProxiableID() ([32]byte, error) {
	if v == nil || !v.sealed {
		return [32]byte{}, ErrIncompatibleImplementation
	}
	return ImplementationSlot, nil
}

// Version returns the generation of the logic carried by v.
func (v *Vault) Version() Version {
	if v == nil {
		return 0
	}
	return v.version
}

// AuthorizeUpgrade attaches impl as the next logic generation. Admin only.
// The matching initializer must be invoked separately.
func (v *Vault) AuthorizeUpgrade(ctx context.Context, caller Principal, impl *Vault) error {
	return v.mutate(ctx, "authorize_upgrade", nil, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		id, err := impl.ProxiableID()
		if err != nil || id != ImplementationSlot {
			return fmt.Errorf("%w: target is not proxiable", ErrIncompatibleImplementation)
		}
		current := s.globals.LogicVersion
		if impl.version != current+1 {
			return fmt.Errorf("%w: cannot move logic from v%d to v%d", ErrIncompatibleImplementation, current, impl.version)
		}
		attached, err := GlobalsLayout(current)
		if err != nil {
			return err
		}
		if err := impl.globals.Extends(attached); err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatibleImplementation, err)
		}
		attachedAccounts, err := AccountLayout(current)
		if err != nil {
			return err
		}
		if err := impl.accounts.Extends(attachedAccounts); err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatibleImplementation, err)
		}
		s.globals.LogicVersion = impl.version
		if err := s.saveGlobals(ctx); err != nil {
			return err
		}
		event := newEvent(EventUpgradeAuthorized, caller)
		event.Version = impl.version
		event.Meta = map[string]any{"from_version": uint32(current)}
		s.emit(event)
		return nil
	})
}

// Upgrade attaches the implementation for the next generation and runs its
// initializer. Each step commits on its own; a failed initializer leaves the
// new logic attached with the schema unchanged so the initializer can be
// retried.
func (v *Vault) Upgrade(ctx context.Context, caller Principal, impl *Vault) error {
	if impl == nil {
		return ErrIncompatibleImplementation
	}
	if err := v.AuthorizeUpgrade(ctx, caller, impl); err != nil {
		return err
	}
	return v.InitializeGeneration(ctx, caller, impl.version)
}

// InitializeGeneration runs the initializer for generation target.
func (v *Vault) InitializeGeneration(ctx context.Context, caller Principal, target Version) error {
	switch target {
	case V1:
		return ErrAlreadyInitialized
	case V2:
		return v.InitializeV2(ctx, caller, InitV2Params{})
	case V3:
		return v.InitializeV3(ctx, caller)
	default:
		return fmt.Errorf("%w: no initializer for v%d", ErrUnsupported, target)
	}
}
