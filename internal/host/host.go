// Package host defines the small contracts shared with the embedding host:
// its declared environment and disposable resources.
package host

import "sync"

// Environment is the static description of the host.
type Environment struct {
	// Name of the host, for example "code" or "pgnodes-cli".
	Name string

	// Version is the host's declared semantic version.
	Version string
}

// Disposable releases a subscription or other host resource.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a function to Disposable.
type DisposableFunc func()

// Dispose calls f.
func (f DisposableFunc) Dispose() {
	if f != nil {
		f()
	}
}

// Once wraps fn so that only the first Dispose runs it.
func Once(fn func()) Disposable {
	var once sync.Once
	return DisposableFunc(func() {
		once.Do(fn)
	})
}

// Disposables collects resources and disposes them in reverse order of
// acquisition.
type Disposables struct {
	mu    sync.Mutex
	items []Disposable
}

// Add appends d. Nil values are ignored.
func (s *Disposables) Add(d Disposable) {
	if d == nil {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, d)
	s.mu.Unlock()
}

// Len reports how many resources are held.
func (s *Disposables) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Dispose releases every held resource, last added first, and empties the
// collection. It is safe to call more than once.
func (s *Disposables) Dispose() {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Dispose()
	}
}
