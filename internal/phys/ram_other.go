//go:build !unix

package phys

func allocBacking(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
