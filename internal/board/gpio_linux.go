//go:build linux

package board

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openLine requests a named GPIO line as an output at initial value.
// Every /dev/gpiochip* is searched; the first chip exposing the name wins.
func openLine(name string, initial int) (Line, error) {
	if name == "" {
		return nil, fmt.Errorf("board: empty gpio line name")
	}

	var chips []string
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			chips = append(chips, filepath.Join("/dev", e.Name()))
		}
	}

	for _, chipPath := range chips {
		chip, err := gpiocdev.NewChip(chipPath, gpiocdev.WithConsumer("wristwake"))
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(initial))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &cdevLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("board: gpio line %q not found (or busy)", name)
}

type cdevLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (l *cdevLine) SetValue(v int) error {
	if l.line == nil {
		return fmt.Errorf("board: line closed")
	}
	return l.line.SetValue(v)
}

func (l *cdevLine) Close() error {
	if l.line == nil {
		return nil
	}
	err := l.line.Close()
	l.line = nil
	if l.chip != nil {
		_ = l.chip.Close()
		l.chip = nil
	}
	return err
}
