package util

import "slices"

// Contains reports whether item is in list.
func Contains[T comparable](list []T, item T) bool {
	return slices.Contains(list, item)
}

// Map applies fn to each element, keeping order.
func Map[T, R any](list []T, fn func(T) R) []R {
	out := make([]R, 0, len(list))
	for _, v := range list {
		out = append(out, fn(v))
	}
	return out
}

// FindFirst returns the first element that matches, and false when
// nothing does.
func FindFirst[T any](list []T, match func(T) bool) (T, bool) {
	if i := slices.IndexFunc(list, match); i >= 0 {
		return list[i], true
	}
	var zero T
	return zero, false
}
