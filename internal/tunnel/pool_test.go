package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"
)

// pipeSocket returns a pool-ready socket backed by one end of a net.Pipe,
// plus the far end the test can close to simulate the client hanging up.
func pipeSocket() (*Socket, net.Conn) {
	server, client := net.Pipe()
	return newSocket(server), client
}

func TestFIFOLending(t *testing.T) {
	p := NewPool(nil, nil, nil)

	// Queue 5 waiters while the pool is empty.
	const n = 5
	got := make(chan *Socket, n)
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		p.NextSocket(func(s *Socket) {
			order <- i
			got <- s
		})
	}

	// Each admit must wake exactly the oldest remaining waiter.
	sockets := make([]*Socket, n)
	for i := 0; i < n; i++ {
		sockets[i], _ = pipeSocket()
		p.Admit(sockets[i])

		select {
		case idx := <-order:
			if idx != i {
				t.Fatalf("admit %d woke waiter %d", i, idx)
			}
		case <-time.After(time.Second):
			t.Fatalf("admit %d woke no waiter", i)
		}
		if s := <-got; s != sockets[i] {
			t.Fatalf("waiter %d got the wrong socket", i)
		}
	}
}

func TestIdleFIFO(t *testing.T) {
	p := NewPool(nil, nil, nil)
	var sockets []*Socket
	for i := 0; i < 3; i++ {
		s, _ := pipeSocket()
		sockets = append(sockets, s)
		p.Admit(s)
	}
	for i := 0; i < 3; i++ {
		done := make(chan *Socket, 1)
		p.NextSocket(func(s *Socket) { done <- s })
		if s := <-done; s != sockets[i] {
			t.Fatalf("lend %d did not follow admission order", i)
		}
	}
}

func TestConservation(t *testing.T) {
	p := NewPool(nil, nil, nil)
	for i := 0; i < 3; i++ {
		s, _ := pipeSocket()
		p.Admit(s)
	}
	if got := p.Size(); got != 3 {
		t.Fatalf("size = %d, want 3", got)
	}

	borrowed := make(chan *Socket, 1)
	p.NextSocket(func(s *Socket) { borrowed <- s })
	s := <-borrowed

	idle, waiters := p.Stats()
	if idle != 2 || waiters != 0 {
		t.Fatalf("idle=%d waiters=%d after one borrow, want 2/0", idle, waiters)
	}
	if got := p.Size(); got != 3 {
		t.Fatalf("size = %d while one in flight, want 3", got)
	}

	p.Release(s)
	idle, _ = p.Stats()
	if idle != 3 {
		t.Fatalf("idle=%d after release, want 3", idle)
	}
}

func TestWaitersBlockIdle(t *testing.T) {
	p := NewPool(nil, nil, nil)
	p.NextSocket(func(*Socket) {})
	s, _ := pipeSocket()
	p.Admit(s)
	idle, waiters := p.Stats()
	if idle != 0 || waiters != 0 {
		t.Fatalf("idle=%d waiters=%d, want 0/0: admit must hand straight to the waiter", idle, waiters)
	}
}

func TestReleaseDestroyedNotRequeued(t *testing.T) {
	p := NewPool(nil, nil, nil)
	s, _ := pipeSocket()
	p.Admit(s)

	borrowed := make(chan *Socket, 1)
	p.NextSocket(func(got *Socket) { borrowed <- got })
	got := <-borrowed
	_ = got.Destroy()
	p.Release(got)

	idle, _ := p.Stats()
	if idle != 0 {
		t.Fatalf("destroyed socket re-entered idle queue")
	}
	if p.Size() != 0 {
		t.Fatalf("size = %d after destroyed release, want 0", p.Size())
	}
}

func TestShutdownDrainsWaitersInOrder(t *testing.T) {
	p := NewPool(nil, nil, nil)
	const n = 4
	var mu sync.Mutex
	var fired []int
	calls := make([]int, n)
	for i := 0; i < n; i++ {
		i := i
		p.NextSocket(func(s *Socket) {
			if s != nil {
				t.Errorf("waiter %d got a socket during shutdown", i)
			}
			mu.Lock()
			fired = append(fired, i)
			calls[i]++
			mu.Unlock()
		})
	}
	p.Shutdown()
	p.Shutdown() // idempotent

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != n {
		t.Fatalf("fired %d waiters, want %d", len(fired), n)
	}
	for i, idx := range fired {
		if idx != i {
			t.Fatalf("shutdown fired waiters out of order: %v", fired)
		}
	}
	for i, c := range calls {
		if c != 1 {
			t.Fatalf("waiter %d invoked %d times", i, c)
		}
	}
}

func TestNextSocketAfterShutdown(t *testing.T) {
	p := NewPool(nil, nil, nil)
	p.Shutdown()
	done := make(chan *Socket, 1)
	p.NextSocket(func(s *Socket) { done <- s })
	if s := <-done; s != nil {
		t.Fatal("post-shutdown NextSocket delivered a socket")
	}
}

func TestAdmitAfterShutdownDestroys(t *testing.T) {
	p := NewPool(nil, nil, nil)
	p.Shutdown()
	s, far := pipeSocket()
	p.Admit(s)
	if !s.Destroyed() {
		t.Fatal("post-shutdown admit did not destroy the socket")
	}
	if p.Size() != 0 {
		t.Fatalf("size = %d after rejected admit, want 0", p.Size())
	}
	_ = far.Close()
}

func TestIdleSignals(t *testing.T) {
	idleCh := make(chan struct{}, 1)
	busyCh := make(chan struct{}, 1)
	p := NewPool(
		func() { idleCh <- struct{}{} },
		func() { busyCh <- struct{}{} },
		nil,
	)

	s, _ := pipeSocket()
	p.Admit(s)
	select {
	case <-busyCh:
	case <-time.After(time.Second):
		t.Fatal("no busy signal on first admit")
	}

	p.Remove(s)
	select {
	case <-idleCh:
	case <-time.After(time.Second):
		t.Fatal("no idle signal when size hit zero")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	p := NewPool(nil, nil, nil)
	a, _ := pipeSocket()
	b, _ := pipeSocket()
	p.Admit(a)
	p.Admit(b)
	p.Remove(a)
	p.Remove(a)
	p.Remove(a)
	if got := p.Size(); got != 1 {
		t.Fatalf("size = %d after repeated removes of one socket, want 1", got)
	}
}

func TestIdleWatcherDetectsHangup(t *testing.T) {
	p := NewPool(nil, nil, nil)
	s, far := pipeSocket()
	p.Admit(s)
	_ = far.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Size() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("closed idle socket never removed from the pool")
}

func TestWaiterTimeout(t *testing.T) {
	p := NewPool(nil, nil, nil)
	p.WaiterTimeout = 50 * time.Millisecond

	done := make(chan *Socket, 1)
	p.NextSocket(func(s *Socket) { done <- s })

	select {
	case s := <-done:
		if s != nil {
			t.Fatal("timed-out waiter received a socket")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never timed out")
	}

	// Shutdown after the timeout must not fire the same waiter again.
	p.Shutdown()
	select {
	case <-done:
		t.Fatal("waiter invoked twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWaiterTimeoutDisarmedByAdmit(t *testing.T) {
	p := NewPool(nil, nil, nil)
	p.WaiterTimeout = 100 * time.Millisecond

	done := make(chan *Socket, 1)
	p.NextSocket(func(s *Socket) { done <- s })
	s, _ := pipeSocket()
	p.Admit(s)

	select {
	case got := <-done:
		if got != s {
			t.Fatal("waiter got nil despite an admit before its timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never fired")
	}
	// Let the timeout window elapse; no second invocation may happen.
	select {
	case <-done:
		t.Fatal("waiter invoked twice after timeout window")
	case <-time.After(200 * time.Millisecond):
	}
}
