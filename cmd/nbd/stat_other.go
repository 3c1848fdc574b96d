//go:build !linux && !darwin

package main

import (
	"os"

	"github.com/hadron-io/nbd"
)

func blockSize(os.FileInfo) *nbd.BlockSizeConstraints {
	return nil
}
