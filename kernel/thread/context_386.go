// Package thread's context-switch primitives are architecture-specific.
// This file declares the 386 contract; the bodies are implemented in
// assembly and linked in separately.
package thread

// context is an opaque token for a thread's saved CPU register state. The
// assembly routines below are the only code that interprets its bits.
type context struct{}

// initContext prepares a fresh context for a thread whose kernel stack
// spans [stackBase, stackBase+stackSize). The first time this context is
// switched to, entry runs; if entry ever returns, onReturn runs next, still
// on the same stack.
func initContext(stackBase, stackSize uintptr, entry func(), onReturn func()) *context

// switchContext saves the caller's register state into *save and resumes
// execution at to. It returns only when some other thread switches back
// into *save.
func switchContext(save **context, to *context)

// exitTo resumes execution at to and then, without returning to the
// caller's stack, invokes cleanup. It is used to terminate a thread: the
// thread's own stack is unsafe to keep using past this call, so the cleanup
// that frees it runs on to's stack instead.
func exitTo(to *context, cleanup func())

// GetPC returns the saved program counter recorded in ctxt.
func GetPC(ctxt *context) uintptr

// GetSP returns the saved stack pointer recorded in ctxt.
func GetSP(ctxt *context) uintptr

// The rest of this package calls through these variables rather than the
// functions directly above, so tests can substitute a fake context switch
// without needing real assembly or a 386 target to run on.
var (
	initContextFn   = initContext
	switchContextFn = switchContext
	exitToFn        = exitTo
	getPCFn         = GetPC
	getSPFn         = GetSP
)
