package player

import (
	"sync"
	"time"
)

// scopedTimer is a restartable one-shot timer. Starting it again
// cancels the previous schedule, so at most one callback is pending.
type scopedTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (st *scopedTimer) Start(d time.Duration, fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.t != nil {
		st.t.Stop()
	}
	st.t = time.AfterFunc(d, fn)
}

func (st *scopedTimer) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
}
