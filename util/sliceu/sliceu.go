package sliceu

func Map[T, U any](s []T, f func(T) U) []U {
	result := make([]U, len(s))
	for i, v := range s {
		result[i] = f(v)
	}
	return result
}

// Return true if every item meets the condition. If the input slice is empty,
// this function returns true.
func Every[T any](s []T, predicate func(T) bool) bool {
	for _, item := range s {
		if !predicate(item) {
			return false
		}
	}
	return true
}
