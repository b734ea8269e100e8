package persistence

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command is one decoded log entry.
type Command struct {
	// Name is the upper-cased command name, e.g. "EADD".
	Name string
	// Args are binary-safe arguments. A nil entry is a RESP null bulk string.
	Args [][]byte
}

// Log command names.
const (
	CmdAdd       = "EADD"
	CmdRemove    = "EREM"
	CmdArchive   = "EARCHIVE"
	CmdUnarchive = "EUNARCHIVE"

	// Written only by log rewrites: verbatim row and pair state.
	CmdRow  = "EROW"
	CmdPair = "EPAIR"
)

// FormatCommand encodes a command as a RESP array of bulk strings.
func FormatCommand(name string, args ...[]byte) string {
	var b strings.Builder

	b.WriteString("*")
	b.WriteString(strconv.Itoa(len(args) + 1))
	b.WriteString("\r\n")
	writeBulk(&b, []byte(name))
	for _, arg := range args {
		if arg == nil {
			b.WriteString("$-1\r\n")
			continue
		}
		writeBulk(&b, arg)
	}
	return b.String()
}

func writeBulk(b *strings.Builder, arg []byte) {
	b.WriteString("$")
	b.WriteString(strconv.Itoa(len(arg)))
	b.WriteString("\r\n")
	b.Write(arg)
	b.WriteString("\r\n")
}

// ParseCommand reads one RESP command. It returns io.EOF on a clean end of
// stream and io.ErrUnexpectedEOF when the stream stops inside a command,
// which is what a crash during an append leaves behind.
func ParseCommand(r *bufio.Reader) (*Command, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("invalid command header %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid argument count %q", line)
	}

	parts := make([][]byte, n)
	for i := 0; i < n; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, unexpected(err)
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, fmt.Errorf("invalid bulk header %q", line)
		}
		size, err := strconv.Atoi(line[1:])
		if err != nil || size < -1 {
			return nil, fmt.Errorf("invalid bulk length %q", line)
		}
		if size == -1 {
			continue
		}
		data := make([]byte, size+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, unexpected(err)
		}
		if data[size] != '\r' || data[size+1] != '\n' {
			return nil, fmt.Errorf("bulk string not terminated by CRLF")
		}
		parts[i] = data[:size]
	}

	return &Command{
		Name: strings.ToUpper(string(parts[0])),
		Args: parts[1:],
	}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
