package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// fakeServer answers Modbus/TCP requests on a loopback listener. Register
// reads return addr+100; writes to register 999 answer with an illegal data
// address exception.
func fakeServer(t *testing.T) (addr string, port int, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return host, p, func() { ln.Close() }
}

func serveConn(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		fc := body[0]
		reg := binary.BigEndian.Uint16(body[1:3])

		var pdu []byte
		switch {
		case reg == 998:
			// Simulates a device dropping the connection mid-session.
			return
		case reg == 999:
			pdu = []byte{fc | 0x80, 0x02}
		case fc == fcReadHolding || fc == fcReadInput:
			count := binary.BigEndian.Uint16(body[3:5])
			pdu = make([]byte, 2+count*2)
			pdu[0] = fc
			pdu[1] = byte(count * 2)
			for i := uint16(0); i < count; i++ {
				binary.BigEndian.PutUint16(pdu[2+i*2:], reg+i+100)
			}
		case fc == fcWriteSingle:
			pdu = append([]byte(nil), body...)
		default:
			pdu = []byte{fc | 0x80, 0x01}
		}

		resp := make([]byte, 7+len(pdu))
		copy(resp[0:2], header[0:2])
		binary.BigEndian.PutUint16(resp[4:6], uint16(1+len(pdu)))
		resp[6] = header[6]
		copy(resp[7:], pdu)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestReadRegisters(t *testing.T) {
	host, port, stop := fakeServer(t)
	defer stop()

	c, err := Dial(host, port, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	v, err := c.ReadInputRegister(40)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if v != 140 {
		t.Errorf("input register 40 = %d, want 140", v)
	}

	v, err = c.ReadHoldingRegister(7)
	if err != nil {
		t.Fatalf("read holding: %v", err)
	}
	if v != 107 {
		t.Errorf("holding register 7 = %d, want 107", v)
	}

	regs, err := c.ReadHoldingRegisters(10, 3)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	want := []uint16{110, 111, 112}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d = %d, want %d", 10+i, regs[i], want[i])
		}
	}
}

func TestWriteSingleRegister(t *testing.T) {
	host, port, stop := fakeServer(t)
	defer stop()

	c, err := Dial(host, port, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteSingleRegister(20, 1234); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestExceptionResponse(t *testing.T) {
	host, port, stop := fakeServer(t)
	defer stop()

	c, err := Dial(host, port, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.ReadHoldingRegister(999)
	if err == nil {
		t.Fatal("expected exception error")
	}

	var exc *ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("error type = %T, want *ExceptionError", err)
	}
	if exc.Code != 0x02 {
		t.Errorf("exception code = 0x%02X, want 0x02", exc.Code)
	}
	if !strings.Contains(err.Error(), "illegal data address") {
		t.Errorf("error text = %q", err.Error())
	}

	// Protocol-level exceptions do not indicate a dead connection.
	if IsConnectionError(err) {
		t.Error("exception classified as connection error")
	}

	// The connection survives an exception.
	if _, err := c.ReadHoldingRegister(5); err != nil {
		t.Fatalf("read after exception: %v", err)
	}
}

func TestRequestAfterClose(t *testing.T) {
	host, port, stop := fakeServer(t)
	defer stop()

	c, err := Dial(host, port, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Close()
	c.Close() // idempotent

	_, err = c.ReadInputRegister(1)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
	if !IsConnectionError(err) {
		t.Error("ErrClosed not classified as connection error")
	}
}

func TestDroppedConnectionIsConnectionError(t *testing.T) {
	host, port, stop := fakeServer(t)
	defer stop()

	c, err := Dial(host, port, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// Register 998 makes the server hang up without answering. The client
	// sees EOF or a reset depending on timing; both are connection errors.
	_, err = c.ReadInputRegister(998)
	if err == nil {
		t.Fatal("expected an error after the server hung up")
	}
	if !IsConnectionError(err) {
		t.Errorf("error %v not classified as connection error", err)
	}
}

func TestIsConnectionErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{io.ErrUnexpectedEOF, true},
		{syscall.ECONNRESET, true},
		{syscall.EPIPE, true},
		{syscall.ETIMEDOUT, true},
		{syscall.ENOTCONN, true},
		{syscall.EBADF, true},
		{&ExceptionError{Function: 0x03, Code: 0x02}, false},
		{errors.New("modbus: byte count 4 does not match 1 registers"), false},
	}
	for _, tc := range cases {
		if got := IsConnectionError(tc.err); got != tc.want {
			t.Errorf("IsConnectionError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
