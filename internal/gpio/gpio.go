// Package gpio drives the button and LED pins through the sysfs GPIO
// interface. The agent only needs single-pin reads and writes at a slow
// polling rate, so the plain /sys/class/gpio files are sufficient.
package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Pin is a single GPIO line. Read returns the electrical level (true = high).
type Pin interface {
	Read() (bool, error)
	Write(level bool) error
	Number() int
}

// Chip exposes pins of the SoC GPIO controller via sysfs.
type Chip struct {
	base string
}

// NewChip returns a Chip rooted at /sys/class/gpio.
func NewChip() *Chip {
	return &Chip{base: "/sys/class/gpio"}
}

// NewChipAt returns a Chip rooted at the given sysfs directory. Used by tests.
func NewChipAt(base string) *Chip {
	return &Chip{base: base}
}

// Input exports the pin and configures it as an input.
func (c *Chip) Input(number int) (Pin, error) {
	if err := c.export(number); err != nil {
		return nil, err
	}
	if err := c.setDirection(number, "in"); err != nil {
		return nil, err
	}
	return &sysfsPin{chip: c, number: number}, nil
}

// Output exports the pin, configures it as an output and drives it low.
func (c *Chip) Output(number int) (Pin, error) {
	if err := c.export(number); err != nil {
		return nil, err
	}
	if err := c.setDirection(number, "out"); err != nil {
		return nil, err
	}
	pin := &sysfsPin{chip: c, number: number}
	if err := pin.Write(false); err != nil {
		return nil, err
	}
	return pin, nil
}

func (c *Chip) export(number int) error {
	dir := c.pinDir(number)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	path := filepath.Join(c.base, "export")
	if err := os.WriteFile(path, []byte(strconv.Itoa(number)), 0o644); err != nil {
		return errors.Wrapf(err, "gpio: export pin %d", number)
	}
	// The kernel creates the pin directory asynchronously; wait briefly for
	// the value file to appear before touching it.
	value := filepath.Join(dir, "value")
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(value); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.Errorf("gpio: pin %d did not appear after export", number)
}

func (c *Chip) setDirection(number int, dir string) error {
	path := filepath.Join(c.pinDir(number), "direction")
	if err := os.WriteFile(path, []byte(dir), 0o644); err != nil {
		return errors.Wrapf(err, "gpio: set pin %d direction %s", number, dir)
	}
	return nil
}

func (c *Chip) pinDir(number int) string {
	return filepath.Join(c.base, fmt.Sprintf("gpio%d", number))
}

type sysfsPin struct {
	chip   *Chip
	number int
}

func (p *sysfsPin) Read() (bool, error) {
	path := filepath.Join(p.chip.pinDir(p.number), "value")
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "gpio: read pin %d", p.number)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

func (p *sysfsPin) Write(level bool) error {
	path := filepath.Join(p.chip.pinDir(p.number), "value")
	val := "0"
	if level {
		val = "1"
	}
	if err := os.WriteFile(path, []byte(val), 0o644); err != nil {
		return errors.Wrapf(err, "gpio: write pin %d", p.number)
	}
	return nil
}

func (p *sysfsPin) Number() int {
	return p.number
}
