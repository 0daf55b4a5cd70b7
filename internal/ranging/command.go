package ranging

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// charDelay is the pause between command bytes; the deckbox drops characters
// written back to back.
const charDelay = time.Millisecond

// SendCommand writes cmd upper-cased and terminated by a carriage return, one byte at a
// time. An empty command puts the deckbox into host mode.
func SendCommand(w io.Writer, cmd string) error {
	line := strings.ToUpper(strings.TrimSpace(cmd)) + "\r"
	for i := 0; i < len(line); i++ {
		if _, err := w.Write([]byte{line[i]}); err != nil {
			return fmt.Errorf("deckbox: write command %q: %w", cmd, err)
		}
		time.Sleep(charDelay)
	}
	return nil
}

// UpperGateCommand returns the command setting the upper range gate. Without a gate a
// range request never times out.
func UpperGateCommand(ms int) string {
	return fmt.Sprintf("UG%05d", ms)
}

// CancelListen aborts a pending listen after the deckbox reports nine dots.
func CancelListen(w io.Writer) error {
	if _, err := w.Write([]byte(" ")); err != nil {
		return fmt.Errorf("deckbox: cancel listen: %w", err)
	}
	return nil
}
