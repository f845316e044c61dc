package kernel

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FatalInfo describes the error that halted a kernel.
type FatalInfo struct {
	BootID uuid.UUID
	Err    error
	Stack  []byte
}

type fatalState struct {
	halted atomic.Bool
	once   sync.Once

	mu      sync.Mutex
	err     error
	handler func(FatalInfo)
}

// SetFatalHandler installs the function run when the kernel halts.
//
// The handler is invoked at most once (on the first fatal error). It
// must not call back into the kernel. The default handler logs the
// error with the stack at error level.
func (k *Kernel) SetFatalHandler(fn func(FatalInfo)) {
	k.fatal.mu.Lock()
	k.fatal.handler = fn
	k.fatal.mu.Unlock()
}

// Halted reports whether a fatal error stopped the kernel.
func (k *Kernel) Halted() bool {
	return k.fatal.halted.Load()
}

// FatalError returns the error that halted the kernel, or nil.
func (k *Kernel) FatalError() error {
	k.fatal.mu.Lock()
	defer k.fatal.mu.Unlock()
	return k.fatal.err
}

// halt stops the kernel. Only the first call has an effect.
func (k *Kernel) halt(err error) {
	k.fatal.once.Do(func() {
		k.fatal.mu.Lock()
		k.fatal.err = err
		fn := k.fatal.handler
		k.fatal.mu.Unlock()
		k.fatal.halted.Store(true)

		info := FatalInfo{BootID: k.id, Err: err, Stack: captureStack()}
		if fn == nil {
			k.log.Error("kernel halted",
				zap.Error(err),
				zap.ByteString("stack", info.Stack))
			return
		}
		fn(info)
	})
}

func captureStack() []byte {
	return debug.Stack()
}
