//go:build !linux

package executor

import "errors"

func reflink(src, dst string) error {
	return errors.New("reflink not supported on this platform")
}
