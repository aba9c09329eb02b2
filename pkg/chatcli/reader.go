package chatcli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

// LineReader reads one line of input per prompt.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// NewLineReader returns a liner-backed editor when both ends are terminals,
// and a plain scanner otherwise so piped input keeps working.
func NewLineReader(in io.Reader, out io.Writer) LineReader {
	if fi, ok := in.(*os.File); ok {
		if fo, ok := out.(*os.File); ok && isatty.IsTerminal(fi.Fd()) && isatty.IsTerminal(fo.Fd()) {
			l := liner.NewLiner()
			l.SetCtrlCAborts(true)
			l.SetMultiLineMode(false)
			return &linerReader{l: l}
		}
	}
	return &scannerReader{scanner: bufio.NewScanner(in), out: out}
}

type scannerReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (s *scannerReader) ReadLine(prompt string) (string, error) {
	if _, err := fmt.Fprint(s.out, prompt); err != nil {
		return "", err
	}
	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scannerReader) Close() error { return nil }

type linerReader struct {
	l *liner.State
}

func (r *linerReader) ReadLine(prompt string) (string, error) {
	line, err := r.l.Prompt(strings.TrimRight(prompt, "\n"))
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", io.EOF
		}
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.l.AppendHistory(line)
	}
	return line, nil
}

func (r *linerReader) Close() error { return r.l.Close() }
