//go:build !linux

package board

import "fmt"

func openLine(name string, initial int) (Line, error) {
	return nil, fmt.Errorf("board: gpio unsupported on this platform")
}
