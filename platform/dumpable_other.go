//go:build !linux

package platform

func DisableDumpable() error { return nil }
