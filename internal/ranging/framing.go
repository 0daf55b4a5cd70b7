// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ranging

import (
	"bytes"
	"errors"
	"io"
)

// Status flags surfaced from the byte preceding a response terminator.
const (
	StatusSuccess   byte = '*'
	StatusError     byte = '#'
	StatusPartial   byte = 'S'
	StatusAbandoned byte = '.' // nine dots: the deckbox gave up listening
	StatusTimeout   byte = 'T' // read timed out before any terminator
)

var abandonedListen = bytes.Repeat([]byte{'.'}, 9)

// Frame is one reply read from the deckbox.
type Frame struct {
	Raw    []byte
	Status byte
}

// ReadResponse reads r one byte at a time until the reply is terminated by
// "*\r\n", "#\r\n", "S\r\n" or nine dots. The deckbox does not send fixed length
// messages, so the terminator is the only reliable end marker. A read that returns no
// data (serial timeout or io.EOF) ends the frame with StatusTimeout.
func ReadResponse(r io.Reader) (Frame, error) {
	var (
		buf []byte
		one [1]byte
	)
	for {
		n, err := r.Read(one[:])
		if n == 1 {
			buf = append(buf, one[0])
			if status, ok := terminator(buf); ok {
				return Frame{Raw: buf, Status: status}, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{Raw: buf, Status: StatusTimeout}, nil
			}
			return Frame{Raw: buf, Status: StatusTimeout}, err
		}
		if n == 0 {
			return Frame{Raw: buf, Status: StatusTimeout}, nil
		}
	}
}

// terminator reports whether buf ends a reply, and with which status.
func terminator(buf []byte) (byte, bool) {
	n := len(buf)
	if n >= 3 && buf[n-2] == '\r' && buf[n-1] == '\n' {
		switch buf[n-3] {
		case StatusSuccess, StatusError, StatusPartial:
			return buf[n-3], true
		}
	}
	if n >= len(abandonedListen) && bytes.Equal(buf[n-len(abandonedListen):], abandonedListen) {
		return StatusAbandoned, true
	}
	return 0, false
}
