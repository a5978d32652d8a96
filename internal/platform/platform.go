// Package platform declares the collaborators the EMM core calls out to:
// the architectural EACCEPT-family instructions and the host OCALLs that
// actually reserve, commit, and protect enclave pages. This package is
// just the Go interface boundary the EmaMap and Emalloc packages program
// against; the real instructions live in assembly the host links in, and
// internal/platform/simhost supplies a userspace stand-in for tests.
package platform

import (
	"emm/internal/defs"
	"emm/internal/mem"
)

// Host bundles every platform primitive the EMM core needs. A Manager is
// constructed with exactly one Host and never talks to the platform any
// other way.
type Host interface {
	// DoEaccept executes EACCEPT against a single page at addr with the
	// given sec-info, acknowledging a PENDING->committed or
	// MODIFIED->committed state transition.
	DoEaccept(addr mem.Addr, info mem.SecInfo) defs.Err_t

	// DoEacceptcopy executes EACCEPTCOPY: accept addr as a copy of the
	// page at src, used by CommitData to commit pages with initial
	// contents.
	DoEacceptcopy(addr, src mem.Addr, info mem.SecInfo) defs.Err_t

	// DoEmodpe executes EMODPE, extending the permissions of an existing
	// committed page without an accompanying EACCEPT.
	DoEmodpe(addr mem.Addr, info mem.SecInfo) defs.Err_t

	// AllocOcall is sgx_mm_alloc_ocall: ask the untrusted runtime to
	// reserve or commit-on-demand a range of enclave address space,
	// optionally at a fixed hint address.
	AllocOcall(hint mem.Addr, size uint64, flags mem.AllocFlags) (mem.Addr, defs.Err_t)

	// ModifyOcall asks the untrusted runtime to change the page type or
	// protection of an already-allocated range, e.g. trimming or a
	// permission change that must be reflected in the host's EPCM view.
	// fromSI and toSI describe the transition's endpoints, since the host
	// needs both to validate and apply it correctly.
	ModifyOcall(addr mem.Addr, size uint64, fromSI, toSI mem.SecInfo) defs.Err_t

	// IsWithinEnclave reports whether [addr, addr+size) lies entirely
	// inside the enclave's address range; FindFreeRegion checks it for
	// every candidate placement.
	IsWithinEnclave(addr mem.Addr, size uint64) bool
}
