package transport

import "sync"

// statusWait tracks one outstanding synchronous send.
type statusWait struct {
	id   uint32
	done chan struct{}
	once sync.Once

	sys    SysStatus
	status int32
	err    error
}

func newStatusWait(id uint32) *statusWait {
	return &statusWait{id: id, done: make(chan struct{})}
}

// complete records the outcome and wakes the waiter. Only the first call
// has an effect.
func (w *statusWait) complete(sys SysStatus, status int32, err error) bool {
	did := false
	w.once.Do(func() {
		w.sys = sys
		w.status = status
		w.err = err
		close(w.done)
		did = true
	})
	return did
}

// result maps the recorded outcome to Send's return values.
func (w *statusWait) result() (int32, error) {
	if w.err != nil {
		return 0, w.err
	}
	if err := w.sys.err(); err != nil {
		return 0, err
	}
	return w.status, nil
}

// waitSet holds the pending waits of one peer. Callers hold the peer
// slot's lock.
type waitSet struct {
	nextID  uint32
	pending map[uint32]*statusWait
}

func (ws *waitSet) add() *statusWait {
	if ws.pending == nil {
		ws.pending = make(map[uint32]*statusWait)
	}
	for {
		id := ws.nextID
		ws.nextID++
		if _, used := ws.pending[id]; !used {
			w := newStatusWait(id)
			ws.pending[id] = w
			return w
		}
	}
}

func (ws *waitSet) remove(id uint32) *statusWait {
	w, ok := ws.pending[id]
	if !ok {
		return nil
	}
	delete(ws.pending, id)
	return w
}

// completeAll force-completes every pending wait with err.
func (ws *waitSet) completeAll(err error) int {
	n := 0
	for id, w := range ws.pending {
		delete(ws.pending, id)
		if w.complete(SysOK, 0, err) {
			n++
		}
	}
	return n
}

func (ws *waitSet) len() int {
	return len(ws.pending)
}
