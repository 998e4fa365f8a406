package sifiveuart

import (
	"io"
	"os"

	"golang.org/x/term"
)

// StdioTerminal connects the UART to the host process's stdin/stdout,
// putting stdin into raw mode so the guest sees every keystroke
// immediately rather than line-buffered, the same way a real serial
// console behaves. Reads never block: a background goroutine drains
// stdin into a small channel that Tick polls non-blockingly, following
// the "input must be pushed externally" contract
// tinyrange-cc/internal/hv/riscv/rv64/uart.go documents on its own
// polled UART.
type StdioTerminal struct {
	out      io.Writer
	in       chan byte
	restore  func() error
}

// NewStdioTerminal wires stdin/stdout as the UART's terminal. If stdin
// is not a TTY, raw mode is skipped and bytes are read as they arrive
// without any mode change.
func NewStdioTerminal() *StdioTerminal {
	t := &StdioTerminal{out: os.Stdout, in: make(chan byte, 256)}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if oldState, err := term.MakeRaw(fd); err == nil {
			t.restore = func() error { return term.Restore(fd, oldState) }
		}
	}
	go t.readLoop()
	return t
}

func (t *StdioTerminal) readLoop() {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			t.in <- buf[0]
		}
		if err != nil {
			return
		}
	}
}

// Write implements Terminal: TX is write-through to stdout.
func (t *StdioTerminal) Write(p []byte) (int, error) { return t.out.Write(p) }

// ReadByte implements Terminal: a non-blocking poll of buffered stdin.
func (t *StdioTerminal) ReadByte() (byte, bool) {
	select {
	case b := <-t.in:
		return b, true
	default:
		return 0, false
	}
}

// Close restores the terminal's original mode, if it was changed.
func (t *StdioTerminal) Close() error {
	if t.restore != nil {
		return t.restore()
	}
	return nil
}
