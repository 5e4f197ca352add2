package store

import (
	"sort"
	"sync"
)

// callbackList copies the list on update so callers can iterate without the lock.
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextID    int
	ids       []int
	callbacks []T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{}
}

func (l *callbackList[T]) get() []T {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.callbacks
}

func (l *callbackList[T]) add(callback T) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	id := l.nextID
	l.nextID += 1
	l.ids = append(append([]int{}, l.ids...), id)
	l.callbacks = append(append([]T{}, l.callbacks...), callback)

	return func() {
		l.remove(id)
	}
}

func (l *callbackList[T]) remove(id int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i, other := range l.ids {
		if other == id {
			ids := append([]int{}, l.ids[:i]...)
			l.ids = append(ids, l.ids[i+1:]...)
			callbacks := append([]T{}, l.callbacks[:i]...)
			l.callbacks = append(callbacks, l.callbacks[i+1:]...)
			return
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
