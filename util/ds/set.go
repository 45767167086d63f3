package ds

import (
	"fmt"
	"iter"
)

// Set is a set that maintains insertion order so reconciliation plans come
// out in the order the desired state declared them.
type Set[T comparable] struct {
	m map[T]struct{}
	l []T
}

func NewSet[T comparable](capacity int) *Set[T] {
	return &Set[T]{
		m: make(map[T]struct{}, capacity),
		l: make([]T, 0, capacity),
	}
}

func SetOf[T comparable](vs ...T) *Set[T] {
	s := NewSet[T](len(vs))
	s.Add(vs...)
	return s
}

func (s *Set[T]) Add(vs ...T) {
	for _, v := range vs {
		if !s.Has(v) {
			s.m[v] = struct{}{}
			s.l = append(s.l, v)
		}
	}
}

func (s *Set[T]) Has(v T) bool {
	_, ok := s.m[v]
	return ok
}

// The number of items in the set.
func (s *Set[T]) Size() int {
	if s == nil {
		return 0
	}
	return len(s.l)
}

func (s *Set[T]) All() iter.Seq[T] {
	if s == nil {
		return func(yield func(T) bool) {}
	}

	return func(yield func(T) bool) {
		for _, item := range s.l {
			if !yield(item) {
				return
			}
		}
	}
}

func (s *Set[T]) Slice() []T {
	return s.l
}

// Diff returns the members of s that are not members of s2, preserving the
// insertion order of s.
func (s *Set[T]) Diff(s2 *Set[T]) *Set[T] {
	diff := NewSet[T](s.Size())
	for e := range s.All() {
		if !s2.Has(e) {
			diff.Add(e)
		}
	}
	return diff
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.l)
}
