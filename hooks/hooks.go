// Package hooks dispatches post-commit notifications to caller-supplied
// observers. Hooks are best-effort side channels for auditing and
// notification; they run synchronously after the state transition has
// durably committed and are never part of the transactional boundary.
package hooks

import "log"

// Kind identifies a dispatched event.
type Kind string

const (
	KindPasskeyDeleted           Kind = "passkey_deleted"
	KindRecoveryCodesRegenerated Kind = "recovery_codes_regenerated"
	KindRecoveryCodeUsed         Kind = "recovery_code_used"
	KindCloneDetected            Kind = "clone_detected"
)

// PasskeyDeleted reports a credential removed by its owner.
type PasskeyDeleted struct {
	UserID    string
	PasskeyID string
}

// RecoveryCodesRegenerated reports a fresh batch replacing the previous one.
type RecoveryCodesRegenerated struct {
	UserID string
	Count  int
}

// RecoveryCodeUsed reports a successful single-use code consumption.
type RecoveryCodeUsed struct {
	UserID string
}

// CloneDetected reports a counter regression on a credential. This is a
// security-relevant signal, not an operational one.
type CloneDetected struct {
	UserID    string
	PasskeyID string
}

// Hooks is the optional observer set supplied through configuration.
// Any callback may be nil.
type Hooks struct {
	OnPasskeyDeleted           func(PasskeyDeleted)
	OnRecoveryCodesRegenerated func(RecoveryCodesRegenerated)
	OnRecoveryCodeUsed         func(RecoveryCodeUsed)
	OnCloneDetected            func(CloneDetected)
}

// Dispatcher invokes observer callbacks and isolates the engines from
// observer failures. A panicking observer must not re-fail an operation
// that already committed.
type Dispatcher struct {
	hooks Hooks
}

// NewDispatcher creates a dispatcher over the supplied observer set.
// A nil-safe zero Dispatcher drops every event.
func NewDispatcher(h Hooks) *Dispatcher {
	return &Dispatcher{hooks: h}
}

// PasskeyDeleted fires the deletion observer, if configured.
func (d *Dispatcher) PasskeyDeleted(ev PasskeyDeleted) {
	if d == nil || d.hooks.OnPasskeyDeleted == nil {
		return
	}
	dispatch(KindPasskeyDeleted, func() { d.hooks.OnPasskeyDeleted(ev) })
}

// RecoveryCodesRegenerated fires the regeneration observer, if configured.
func (d *Dispatcher) RecoveryCodesRegenerated(ev RecoveryCodesRegenerated) {
	if d == nil || d.hooks.OnRecoveryCodesRegenerated == nil {
		return
	}
	dispatch(KindRecoveryCodesRegenerated, func() { d.hooks.OnRecoveryCodesRegenerated(ev) })
}

// RecoveryCodeUsed fires the consumption observer, if configured.
func (d *Dispatcher) RecoveryCodeUsed(ev RecoveryCodeUsed) {
	if d == nil || d.hooks.OnRecoveryCodeUsed == nil {
		return
	}
	dispatch(KindRecoveryCodeUsed, func() { d.hooks.OnRecoveryCodeUsed(ev) })
}

// CloneDetected fires the security observer, if configured.
func (d *Dispatcher) CloneDetected(ev CloneDetected) {
	if d == nil || d.hooks.OnCloneDetected == nil {
		return
	}
	dispatch(KindCloneDetected, func() { d.hooks.OnCloneDetected(ev) })
}

func dispatch(kind Kind, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("passkit: %s hook panicked: %v", kind, r)
		}
	}()
	fn()
}
