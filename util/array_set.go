package util

import (
	"math/rand"

	sync "github.com/sasha-s/go-deadlock"
)

// ArraySet is a set implemented using array. It is cheaper than a map for
// the handful of elements it holds (open replicas, running movers).
// It is thread-safe since a mutex is used.
type ArraySet[T comparable] struct {
	arr  []T
	lock sync.RWMutex
}

// Add adds an element to the set. It reports false if the element was
// already present.
func (s *ArraySet[T]) Add(element T) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, v := range s.arr {
		if v == element {
			return false
		}
	}
	s.arr = append(s.arr, element)
	return true
}

// Delete delete an element in the set.
func (s *ArraySet[T]) Delete(element T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, v := range s.arr {
		if v == element {
			s.arr = append(s.arr[:i], s.arr[i+1:]...)
			break
		}
	}
}

func (s *ArraySet[T]) Contains(element T) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, v := range s.arr {
		if v == element {
			return true
		}
	}
	return false
}

// Size returns the size of the set.
func (s *ArraySet[T]) Size() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.arr)
}

// RandomPick picks a random element from the set. The set must not be empty.
func (s *ArraySet[T]) RandomPick() T {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.arr[rand.Intn(len(s.arr))]
}

// GetAll returns all elements of the set.
func (s *ArraySet[T]) GetAll() []T {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]T(nil), s.arr...)
}
