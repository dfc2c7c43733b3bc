//go:build !linux

package main

import "github.com/pion/mediadevices"

// newCodecSelector returns nil. No capture drivers are registered off Linux,
// so every call fails with device-not-found.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, nil
}
