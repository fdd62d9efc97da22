package transport

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"

	mcperr "github.com/conikeec/mcpr/errors"
)

// StdioTransport moves newline-delimited messages over a reader/writer pair.
// It is a pull transport: Receive blocks for the next line and no background
// goroutine runs. The zero pair is the process's own stdin and stdout, which
// suits servers spawned as child processes of their client.
type StdioTransport struct {
	st     connState
	reader *bufio.Reader
	writer *bufio.Writer

	// closers are shut down on Close, in order. For the command variant
	// this is the child's stdin pipe followed by a process wait.
	closers []io.Closer
	cmd     *exec.Cmd
}

// NewStdioTransport returns a transport over the process's stdin and stdout.
func NewStdioTransport() *StdioTransport {
	return NewStdioPipe(os.Stdin, os.Stdout)
}

// NewStdioPipe returns a transport over an arbitrary reader and writer.
func NewStdioPipe(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
	}
}

// NewCommandStdio starts the named command and returns a transport wired to
// its stdin and stdout. Close terminates the child and reaps it.
func NewCommandStdio(name string, args ...string) (*StdioTransport, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, mcperr.Transportf("failed to open stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, mcperr.Transportf("failed to open stdout pipe: %v", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, mcperr.Transportf("failed to start command %q: %v", name, err)
	}
	t := NewStdioPipe(stdout, stdin)
	t.closers = []io.Closer{stdin}
	t.cmd = cmd
	return t, nil
}

func (t *StdioTransport) Start() error {
	return t.st.begin()
}

func (t *StdioTransport) Close() error {
	if !t.st.end() {
		return nil
	}
	for _, c := range t.closers {
		c.Close()
	}
	if t.cmd != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
	t.st.closed()
	return nil
}

func (t *StdioTransport) Send(message string) error {
	t.st.mu.Lock()
	if t.st.state != StateConnected {
		t.st.mu.Unlock()
		return mcperr.NotConnected()
	}
	_, err := t.writer.WriteString(message + "\n")
	if err == nil {
		err = t.writer.Flush()
	}
	t.st.mu.Unlock()
	if err != nil {
		return mcperr.Transportf("failed to write message: %v", err)
	}
	t.st.message(message)
	return nil
}

// Receive blocks until the next newline-delimited message arrives. It
// returns a transport error with message "end of stream" when the peer
// closes its write side.
func (t *StdioTransport) Receive() (string, error) {
	if !t.st.connected() {
		return "", mcperr.NotConnected()
	}
	line, err := t.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line != "" {
				t.st.message(strings.TrimRight(line, "\r\n"))
				return strings.TrimRight(line, "\r\n"), nil
			}
			return "", mcperr.Transport("end of stream")
		}
		return "", mcperr.Transportf("failed to read message: %v", err)
	}
	msg := strings.TrimRight(line, "\r\n")
	t.st.message(msg)
	return msg, nil
}

func (t *StdioTransport) IsConnected() bool { return t.st.connected() }

func (t *StdioTransport) SetOnMessage(h MessageHandler) { t.st.setOnMessage(h) }
func (t *StdioTransport) SetOnError(h ErrorHandler)     { t.st.setOnError(h) }
func (t *StdioTransport) SetOnClose(h CloseHandler)     { t.st.setOnClose(h) }
