// Package modbus implements a minimal Modbus/TCP client covering the
// register operations the acquisition service needs: read holding registers
// (0x03), read input registers (0x04) and write single register (0x06).
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"epiclink/logging"
)

// DefaultPort is the standard Modbus/TCP port.
const DefaultPort = 502

const (
	fcReadHolding = 0x03
	fcReadInput   = 0x04
	fcWriteSingle = 0x06

	// MBAP header: transaction id (2), protocol id (2), length (2), unit id (1).
	mbapLen = 7

	protocolModbus = 0
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("modbus: client closed")

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X on function 0x%02X (%s)",
		e.Code, e.Function, exceptionText(e.Code))
}

func exceptionText(code byte) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "server device busy"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// Client is a Modbus/TCP connection to one device. One request is in flight
// at a time; the transaction id increments per request.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	txID    uint16
	unitID  byte
	timeout time.Duration
	target  string
}

// Dial connects to a Modbus/TCP device. The timeout bounds the connect and
// every subsequent request round-trip.
func Dial(address string, port int, timeout time.Duration) (*Client, error) {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		logging.DebugConnectError("modbus", target, err)
		return nil, fmt.Errorf("modbus: dial %s: %w", target, err)
	}
	logging.DebugConnect("modbus", target)

	return &Client{
		conn:    conn,
		unitID:  1,
		timeout: timeout,
		target:  target,
	}, nil
}

// Target returns the remote host:port of the connection.
func (c *Client) Target() string {
	return c.target
}

// SetUnitID sets the unit identifier used on subsequent requests.
func (c *Client) SetUnitID(id byte) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// Close shuts down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	logging.DebugDisconnect("modbus", c.target, "client closed")
	return err
}

// ReadHoldingRegister reads one holding register (function 0x03).
func (c *Client) ReadHoldingRegister(addr uint16) (uint16, error) {
	regs, err := c.readRegisters(fcReadHolding, addr, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// ReadHoldingRegisters reads count consecutive holding registers.
func (c *Client) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	return c.readRegisters(fcReadHolding, addr, count)
}

// ReadInputRegister reads one input register (function 0x04).
func (c *Client) ReadInputRegister(addr uint16) (uint16, error) {
	regs, err := c.readRegisters(fcReadInput, addr, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// ReadInputRegisters reads count consecutive input registers.
func (c *Client) ReadInputRegisters(addr, count uint16) ([]uint16, error) {
	return c.readRegisters(fcReadInput, addr, count)
}

// WriteSingleRegister writes one holding register (function 0x06). The
// device echoes the request on success.
func (c *Client) WriteSingleRegister(addr, value uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingle
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := c.transact(pdu)
	if err != nil {
		return err
	}
	if len(resp) < 5 {
		return fmt.Errorf("modbus: short write response (%d bytes)", len(resp))
	}
	echoAddr := binary.BigEndian.Uint16(resp[1:3])
	echoVal := binary.BigEndian.Uint16(resp[3:5])
	if echoAddr != addr || echoVal != value {
		return fmt.Errorf("modbus: write echo mismatch: got %d=%d, want %d=%d",
			echoAddr, echoVal, addr, value)
	}
	return nil
}

func (c *Client) readRegisters(fc byte, addr, count uint16) ([]uint16, error) {
	if count == 0 || count > 125 {
		return nil, fmt.Errorf("modbus: register count %d out of range", count)
	}

	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	resp, err := c.transact(pdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("modbus: short read response (%d bytes)", len(resp))
	}
	byteCount := int(resp[1])
	if byteCount != int(count)*2 || len(resp) < 2+byteCount {
		return nil, fmt.Errorf("modbus: byte count %d does not match %d registers", byteCount, count)
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp[2+i*2 : 4+i*2])
	}
	return regs, nil
}

// transact sends one PDU and returns the response PDU. The MBAP framing and
// exception decoding happen here.
func (c *Client) transact(pdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrClosed
	}

	c.txID++
	frame := make([]byte, mbapLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], c.txID)
	binary.BigEndian.PutUint16(frame[2:4], protocolModbus)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = c.unitID
	copy(frame[mbapLen:], pdu)

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("modbus: set deadline: %w", err)
	}

	logging.DebugTX("modbus", frame)
	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus: write: %w", err)
	}

	header := make([]byte, mbapLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("modbus: read header: %w", err)
	}

	respTx := binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 260 {
		return nil, fmt.Errorf("modbus: invalid frame length %d", length)
	}

	body := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("modbus: read body: %w", err)
	}
	logging.DebugRX("modbus", append(header, body...))

	if respTx != c.txID {
		return nil, fmt.Errorf("modbus: transaction id mismatch: got %d, want %d", respTx, c.txID)
	}

	if body[0]&0x80 != 0 {
		if len(body) < 2 {
			return nil, fmt.Errorf("modbus: truncated exception response")
		}
		return nil, &ExceptionError{Function: body[0] &^ 0x80, Code: body[1]}
	}
	if body[0] != pdu[0] {
		return nil, fmt.Errorf("modbus: function mismatch: got 0x%02X, want 0x%02X", body[0], pdu[0])
	}

	return body, nil
}

// IsConnectionError reports whether an error indicates the TCP connection is
// gone and a reconnect is required, as opposed to a protocol-level error on a
// healthy connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var exc *ExceptionError
	if errors.As(err, &exc) {
		return false
	}

	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EBADF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Wrapped errors from the net package that do not unwrap cleanly.
	msg := err.Error()
	for _, frag := range []string{
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"connection refused",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
