package sdruntime

import "sync"

// sharedEnvironment reference-counts a process-wide runtime environment.
// The first acquire initializes it and the last release destroys it, so
// every pool slot can load and close its backend independently.
type sharedEnvironment struct {
	mu      sync.Mutex
	refs    int
	init    func() error
	destroy func() error
}

func (e *sharedEnvironment) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		if err := e.init(); err != nil {
			return err
		}
	}
	e.refs++
	return nil
}

func (e *sharedEnvironment) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs == 0 {
		return e.destroy()
	}
	return nil
}

// active returns the number of holders.
func (e *sharedEnvironment) active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}
