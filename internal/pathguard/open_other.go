//go:build !unix

package pathguard

import (
	"errors"
	"os"
)

func OpenExclusive(roots []string, candidate string, flag int, perm os.FileMode) (*os.File, Resolution, error) {
	return nil, Resolution{}, errors.New("exclusive open is not supported on this platform")
}
