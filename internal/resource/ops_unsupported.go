//go:build !linux

package resource

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("mounts and loop devices require a linux host")

func HostOps() Ops {
	return unsupportedOps{}
}

type unsupportedOps struct{}

func (unsupportedOps) Mount(MountRequest) error {
	return errUnsupported
}

func (unsupportedOps) Unmount(string) error {
	return errUnsupported
}

func (unsupportedOps) AttachLoop(string) (string, error) {
	return "", errUnsupported
}

func (unsupportedOps) DetachLoop(string) error {
	return errUnsupported
}

func (unsupportedOps) SignalWithin(string, syscall.Signal) (int, error) {
	return 0, errUnsupported
}

// MountsUnder reports nothing; no mounts are ever made on this host.
func (unsupportedOps) MountsUnder(string) ([]string, error) {
	return nil, nil
}
