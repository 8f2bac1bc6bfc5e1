// Package sniff reads just enough of an HTTP/1.x request to extract its
// Host header, without consuming more of the stream than necessary.
package sniff

import (
	"io"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

const (
	// initialBufSize is the first chunk of the growable buffer.
	initialBufSize = 1024
	// MaxBufSize is the hard cap on how much of the request this package
	// will buffer while looking for the Host header.
	MaxBufSize = 4096
)

// Result is what Sniff returns on success.
type Result struct {
	// Host is the value of the first Host header found, trimmed of
	// surrounding whitespace but otherwise returned verbatim: the parser
	// recognises only HTTP/1.x syntax and does not strip a trailing
	// ":port" the registrant did not strip. Matching a sniffed Host
	// against a registered virtual host name is therefore an opaque
	// byte comparison — "a.example" will not match a request declaring
	// "a.example:443" unless the Client registered that exact string.
	Host string
	// Prefix is the entire buffer read so far, in original order. It
	// must be written to the back-channel before splicing so the origin
	// sees an intact request.
	Prefix []byte
}

// Sniff reads from r until an HTTP/1.x start line followed by a Host
// header has been read in full, growing an internal buffer from 1 KiB,
// doubling, up to MaxBufSize. If the start line and Host header are not
// both found within MaxBufSize bytes, it returns tunnelerr.KindHeaderTooLarge.
// A stream that closes before a Host header is found returns
// tunnelerr.ErrUnexpectedEOF.
func Sniff(r io.Reader) (Result, error) {
	buf := make([]byte, initialBufSize)
	read := 0
	headerStart := -1 // index just past the request line's CRLF, or -1

	for {
		n, err := r.Read(buf[read:])
		if n == 0 && err != nil {
			if err == io.EOF {
				return Result{}, tunnelerr.ErrUnexpectedEOF
			}
			return Result{}, tunnelerr.NewIO("sniff", err)
		}
		read += n

		if headerStart < 0 {
			if pos := findCR(buf, 0, read); pos >= 0 {
				headerStart = pos + 2
			}
		}

		if headerStart >= 0 {
			start := headerStart
			for {
				end := findCR(buf, start, read)
				if end < 0 {
					headerStart = start
					break
				}
				if host, ok := extractHost(buf[start:end]); ok {
					return Result{Host: string(host), Prefix: append([]byte(nil), buf[:read]...)}, nil
				}
				start = end + 2
			}
		}

		if err == io.EOF {
			return Result{}, tunnelerr.ErrUnexpectedEOF
		}

		if read == len(buf) {
			if read >= MaxBufSize {
				return Result{}, tunnelerr.NewHeaderTooLarge(MaxBufSize)
			}
			grown := make([]byte, min(len(buf)*2, MaxBufSize))
			copy(grown, buf[:read])
			buf = grown
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// findCR returns the index of the first '\r' in s[start:end], or -1.
func findCR(s []byte, start, end int) int {
	for i := start; i < end; i++ {
		if s[i] == '\r' {
			return i
		}
	}
	return -1
}

// extractHost splits a single header line (without its trailing CRLF) on
// the first ':' and, if the name is "Host" case-insensitively, returns the
// trimmed value.
func extractHost(line []byte) ([]byte, bool) {
	idx := -1
	for i, b := range line {
		if b == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	if !equalsHostName(line[:idx]) {
		return nil, false
	}
	return trimSpace(line[idx+1:]), true
}

func equalsHostName(name []byte) bool {
	return len(name) == 4 &&
		name[0]|32 == 'h' &&
		name[1]|32 == 'o' &&
		name[2]|32 == 's' &&
		name[3]|32 == 't'
}

func trimSpace(s []byte) []byte {
	for len(s) > 0 && isSpace(s[0]) {
		s = s[1:]
	}
	for len(s) > 0 && isSpace(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	return s
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}
