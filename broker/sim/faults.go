package sim

// Op names a gateway call for fault injection.
type Op string

const (
	OpPlace     Op = "place"
	OpCancel    Op = "cancel"
	OpGet       Op = "get"
	OpPositions Op = "positions"
)

type fault struct {
	op    Op
	err   error
	apply bool
}

// Fail makes the next n calls of op return err without touching the book.
func (e *Exchange) Fail(op Op, err error, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		e.faults = append(e.faults, fault{op: op, err: err})
	}
}

// Drop makes the next call of op take effect on the book but return err,
// like a response lost on the way back. Only place and cancel honour it.
func (e *Exchange) Drop(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, fault{op: op, err: err, apply: true})
}

// Calls reports how many times op was invoked, faults included.
func (e *Exchange) Calls(op Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Exchange) takeFaultLocked(op Op) (fault, bool) {
	for i, f := range e.faults {
		if f.op == op {
			e.faults = append(e.faults[:i], e.faults[i+1:]...)
			return f, true
		}
	}
	return fault{}, false
}
