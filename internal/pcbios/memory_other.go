//go:build !linux

package pcbios

import (
	"fmt"
	"math"
)

func allocate(size uint64) ([]byte, func([]byte) error, error) {
	if size > math.MaxInt {
		return nil, nil, fmt.Errorf("size %d exceeds host address limit", size)
	}
	return make([]byte, size), nil, nil
}
