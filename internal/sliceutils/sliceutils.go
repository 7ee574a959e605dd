// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package sliceutils

// ContainsValue returns true if the slice contains the given value.
func ContainsValue[T comparable](values []T, value T) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// MapSlice applies f to every element of values and returns the results.
func MapSlice[T any, U any](values []T, f func(T) U) []U {
	result := make([]U, 0, len(values))
	for _, v := range values {
		result = append(result, f(v))
	}
	return result
}
