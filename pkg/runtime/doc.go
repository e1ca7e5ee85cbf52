// Package runtime loads, caches and executes objects. Handlers are
// compiled into the binary and register themselves under an object id
// (typically from init); the runtime binds each loaded object to its
// capability set — self-log, replicated state, file store, sibling
// calls, periodic scheduling — and owns the 1 Hz scheduler loop that
// drives volatile periodic registrations.
//
// Handlers never see runtime internals beyond the Context they are
// handed on every call. Handlers may call sibling objects through
// Context.Call; the runtime does no cycle detection, so mutual
// recursion between objects is the handlers' own problem.
package runtime
