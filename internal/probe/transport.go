package probe

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"go.bug.st/serial"
)

// link is the raw byte-oriented half of the protocol: open a probe's
// serial port and exchange command/response bytes over it, retrying on
// EINTR the way wut4's exer/cex/dev/arduino.go does (Go's goroutine
// scheduler raises it constantly on blocking syscalls).
type link struct {
	port serial.Port
}

func openLink(portName string) (*link, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoProbe, portName, err)
	}
	return &link{port: port}, nil
}

func (l *link) close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

func (l *link) writeBytes(b []byte) error {
	var n int
	var err error
	for {
		n, err = l.port.Write(b)
		if !isRetryableSyscallError(err) {
			break
		}
		if n != 0 {
			panic("probe: bytes written despite EINTR")
		}
	}
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("probe: short write: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

func (l *link) readBytes(n int, timeout time.Duration) ([]byte, error) {
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got := 0
	for got < n {
		var m int
		var err error
		for {
			m, err = l.port.Read(buf[got:])
			if !isRetryableSyscallError(err) {
				break
			}
			if m != 0 {
				panic("probe: bytes returned despite EINTR")
			}
		}
		if err != nil {
			return nil, err
		}
		if m == 0 {
			return nil, ErrTimeout
		}
		got += m
	}
	return buf, nil
}

func (l *link) command(cmd byte, payload []byte) ([]byte, error) {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, cmd)
	frame = append(frame, payload...)
	if err := l.writeBytes(frame); err != nil {
		return nil, err
	}

	resp, err := l.readBytes(1, commandTimeout)
	if err != nil {
		return nil, err
	}
	if resp[0] == errBadCmd {
		return nil, fmt.Errorf("probe: command 0x%02x rejected as malformed", cmd)
	}
	if resp[0] == errFault {
		return nil, fmt.Errorf("probe: command 0x%02x: target fault", cmd)
	}
	if resp[0] != ack(cmd) {
		return nil, fmt.Errorf("probe: unexpected ack byte 0x%02x for command 0x%02x", resp[0], cmd)
	}
	return resp, nil
}

// commandWithReply sends cmd+payload and reads an n-byte reply following
// the ack byte.
func (l *link) commandWithReply(cmd byte, payload []byte, n int) ([]byte, error) {
	if _, err := l.command(cmd, payload); err != nil {
		return nil, err
	}
	return l.readBytes(n, commandTimeout)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func isRetryableSyscallError(err error) bool {
	const eIntr = 4
	if errno, ok := err.(syscall.Errno); ok {
		return errno == eIntr
	}
	return false
}
