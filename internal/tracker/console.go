package tracker

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Console prints one line per record and a closing banner.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	pass *color.Color
	fail *color.Color
	head *color.Color
}

// NewConsole writes to w. Colors follow fatih/color's terminal detection
// unless noColor is set.
func NewConsole(w io.Writer, noColor bool) *Console {
	c := &Console{
		w:    w,
		pass: color.New(color.FgGreen),
		fail: color.New(color.FgRed),
		head: color.New(color.FgYellow, color.Bold),
	}
	if noColor {
		for _, col := range []*color.Color{c.pass, c.fail, c.head} {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) Section(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head.Fprintf(c.w, "\n=== %s ===\n", name)
}

func (c *Console) Record(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Passed {
		c.pass.Fprint(c.w, "✓ ")
		fmt.Fprintln(c.w, r.Name)
		return
	}
	c.fail.Fprint(c.w, "✗ ")
	if r.Detail != "" {
		fmt.Fprintf(c.w, "%s: %s\n", r.Name, r.Detail)
		return
	}
	fmt.Fprintln(c.w, r.Name)
}

// Banner prints the summary block.
func (c *Console) Banner(s Summary, failures []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := strings.Repeat("=", 50)
	fmt.Fprintln(c.w)
	c.head.Fprintln(c.w, line)
	c.head.Fprintln(c.w, "Test Summary")
	c.head.Fprintln(c.w, line)
	fmt.Fprintf(c.w, "Total:  %d\n", s.Total)
	c.pass.Fprintf(c.w, "Passed: %d\n", s.Passed)
	if s.Failed > 0 {
		c.fail.Fprintf(c.w, "Failed: %d\n", s.Failed)
		for _, f := range failures {
			fmt.Fprintf(c.w, "  - %s", f.Name)
			if f.Detail != "" {
				fmt.Fprintf(c.w, " (%s)", f.Detail)
			}
			fmt.Fprintln(c.w)
		}
		return
	}
	fmt.Fprintf(c.w, "Failed: %d\n", s.Failed)
	c.pass.Fprintln(c.w, "All tests passed!")
}
