//go:build !linux

package hosttools

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space checks are only supported on linux")
}
