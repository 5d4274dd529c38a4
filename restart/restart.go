// Package restart holds the pieces of runtime_initialize that every
// persistent container shares (spec §4.4): the compat/incompat layout
// tag and its validation. Container packages (cmap, radix, skiplist)
// call Validate from their own runtime initialization; the
// CONSISTENT_SIZE migration and the folding of thread-local size
// deltas are done by each container itself (with tlsacc.Reconcile
// where it has an accumulator), not by this package.
package restart

import (
	"github.com/pkg/errors"
)

// HeaderIncompat is the only incompatible-layout tag this build
// understands. A container whose persisted Incompat differs refuses
// to open.
const HeaderIncompat uint32 = 1

// CompatConsistentSize is the compat bit signalling that a container's
// thread-local size accumulator has already been installed.
const CompatConsistentSize uint32 = 1

// ErrLayout is returned when a persisted container's incompat tag is
// not one this build understands.
var ErrLayout = errors.New("restart: on-disk layout not understood by this build")

// Features is the small compat/incompat pair every persistent
// container header carries (spec §3.6, §6.1).
type Features struct {
	Compat   uint32
	Incompat uint32
}

// Validate checks f.Incompat against the single incompat tag this
// build emits, per spec §4.4's first runtime_initialize step.
func Validate(f Features) error {
	if f.Incompat != HeaderIncompat {
		return errors.Wrapf(ErrLayout, "incompat=%#x want %#x", f.Incompat, HeaderIncompat)
	}
	return nil
}

// HasConsistentSize reports whether f's compat bits include the
// thread-local-accumulator feature.
func (f Features) HasConsistentSize() bool { return f.Compat&CompatConsistentSize != 0 }
