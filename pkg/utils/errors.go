// Package utils provides shared helpers used across CollabKit: error
// wrapping and environment-variable lookups with typed defaults.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil, so
// call sites can wrap unconditionally.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}
