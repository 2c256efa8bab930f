package db

// AsyncCallbackProcessor polls a set of independent callbacks from the
// goroutine that owns it, typically once per socket update or world tick.
// It is not safe for concurrent use.
type AsyncCallbackProcessor[T Invoker] struct {
	callbacks []T
}

// AddCallback registers cb and returns it so calls can be chained.
func (p *AsyncCallbackProcessor[T]) AddCallback(cb T) T {
	p.callbacks = append(p.callbacks, cb)
	return cb
}

// ProcessReadyCallbacks polls every callback once and forgets the finished
// ones. Callbacks added while processing are polled on the next call.
func (p *AsyncCallbackProcessor[T]) ProcessReadyCallbacks() {
	if len(p.callbacks) == 0 {
		return
	}

	polling := p.callbacks
	p.callbacks = nil

	kept := polling[:0]
	for _, cb := range polling {
		if !cb.InvokeIfReady() {
			kept = append(kept, cb)
		}
	}
	var zero T
	for i := len(kept); i < len(polling); i++ {
		polling[i] = zero
	}

	p.callbacks = append(kept, p.callbacks...)
}

// Len returns the number of callbacks still polled.
func (p *AsyncCallbackProcessor[T]) Len() int {
	return len(p.callbacks)
}
