package flash

import "github.com/synthread/go-ota/outcome"

// Callbacks are the events reported while a payload is flashed. All of them
// are optional and run synchronously on the flashing goroutine.
type Callbacks struct {
	// OnStart is called once before the first block
	OnStart func()

	// OnProgress is called with (0, total) before the first block and after
	// every written block
	OnProgress func(written, total int64)

	// OnEnd is called once when every byte was written
	OnEnd func()

	// OnError is called once with the terminal kind when flashing aborts
	OnError func(kind outcome.Kind)
}

func (cb *Callbacks) start() {
	if cb.OnStart != nil {
		cb.OnStart()
	}
}

func (cb *Callbacks) progress(written, total int64) {
	if cb.OnProgress != nil {
		cb.OnProgress(written, total)
	}
}

func (cb *Callbacks) end() {
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

func (cb *Callbacks) error(kind outcome.Kind) {
	if cb.OnError != nil {
		cb.OnError(kind)
	}
}
