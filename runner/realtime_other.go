//go:build !linux

package runner

import "github.com/pkg/errors"

func setRealtime(int, int) (func() error, error) {
	return nil, errors.New("real-time scheduling is only supported on Linux")
}
