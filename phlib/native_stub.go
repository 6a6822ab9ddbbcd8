//go:build !phlib || !cgo

package phlib

// NewNative returns ErrNoNative; build with -tags phlib to link libph300
func NewNative() (Library, error) {
	return nil, ErrNoNative
}
