// parser.go reads client commands in RESP (REdis Serialization Protocol).
// Speaking RESP means redis-cli, redis-benchmark, and every standard Redis
// client library work against this server out of the box, and the
// length-prefixed framing keeps binary values safe without escaping.
//
// Only the request subset of the protocol is implemented: RESP arrays of
// bulk strings ("*2\r\n$4\r\nPING\r\n$3\r\nfoo\r\n") for programmatic
// clients, and space-separated inline commands ("PING foo\r\n") for telnet
// and netcat debugging.
//
// The parser enforces hard limits on line length, bulk string size, and
// array element count before allocating anything, so a malicious client
// cannot force unbounded buffering or huge allocations with a forged
// length prefix.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// maxBulkLength caps a single bulk string at 512MB (the Redis
	// proto-max-bulk-len default).
	maxBulkLength = 512 * 1024 * 1024

	// maxArrayLen caps the number of elements in a command array.
	maxArrayLen = 1 << 20

	// maxLineSize caps header and inline command lines.
	maxLineSize = 64 * 1024
)

var (
	errInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	errLineTooLong   = errors.New("ERR protocol error: line too long")
	errBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	errArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

type Parser struct {
	reader *bufio.Reader
}

func NewParser(conn io.Reader) *Parser {
	return &Parser{reader: bufio.NewReaderSize(conn, 4096)}
}

// Parse reads one command and returns it as a slice of argument strings.
func (p *Parser) Parse() ([]string, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errInvalidSyntax
	}

	if line[0] == '*' {
		return p.parseArray(line)
	}
	return parseInline(line)
}

// Buffered returns the number of unread bytes already sitting in the read
// buffer. The connection loop uses it to delay flushing responses while a
// pipelined batch is still being drained.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

// readLine reads up to '\n', enforcing maxLineSize so a client that never
// sends a newline cannot grow the buffer without bound.
func (p *Parser) readLine() ([]byte, error) {
	line, isPrefix, err := p.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	if !isPrefix {
		return line, nil
	}

	var buf bytes.Buffer
	buf.Write(line)
	for isPrefix {
		line, isPrefix, err = p.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		if buf.Len()+len(line) > maxLineSize {
			return nil, errLineTooLong
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// parseInline splits a space-separated command line.
func parseInline(line []byte) ([]string, error) {
	parts := bytes.Fields(line)
	if len(parts) == 0 {
		return nil, errInvalidSyntax
	}
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = string(part)
	}
	return out, nil
}

// parseArray reads the remainder of a "*<count>" command array.
func (p *Parser) parseArray(header []byte) ([]string, error) {
	count, err := strconv.Atoi(string(bytes.TrimSpace(header[1:])))
	if err != nil {
		return nil, errInvalidSyntax
	}
	if count <= 0 {
		// Null (*-1) and empty (*0) arrays decode to an empty command.
		return []string{}, nil
	}
	if count > maxArrayLen {
		return nil, errArrayTooLong
	}

	command := make([]string, 0, count)
	for i := 0; i < count; i++ {
		str, err := p.parseBulkString()
		if err != nil {
			return nil, err
		}
		command = append(command, str)
	}
	return command, nil
}

// parseBulkString reads one "$<len>\r\n<data>\r\n" element.
func (p *Parser) parseBulkString() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if len(line) == 0 || line[0] != '$' {
		return "", errInvalidSyntax
	}

	length, err := strconv.Atoi(string(bytes.TrimSpace(line[1:])))
	if err != nil {
		return "", errInvalidSyntax
	}
	if length == -1 {
		// Null bulk string; commands here don't distinguish null from empty.
		return "", nil
	}
	if length < 0 {
		return "", errInvalidSyntax
	}
	if length > maxBulkLength {
		return "", errBulkTooLarge
	}

	// Read data plus trailing CRLF in one go.
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", err
	}
	if buf[length] != '\r' || buf[length+1] != '\n' {
		return "", errInvalidSyntax
	}
	return string(buf[:length]), nil
}
