package gpio

import "sync"

// FakePin is a memory-backed Pin for tests and for running the agent on
// hardware without GPIO (dry runs on a workstation).
type FakePin struct {
	mu     sync.Mutex
	number int
	level  bool
}

// NewFakePin returns a FakePin at the given level.
func NewFakePin(number int, level bool) *FakePin {
	return &FakePin{number: number, level: level}
}

func (p *FakePin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, nil
}

func (p *FakePin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
	return nil
}

// Set changes the level observed by the next Read. Used by tests to simulate
// button presses.
func (p *FakePin) Set(level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
}

func (p *FakePin) Number() int {
	return p.number
}
