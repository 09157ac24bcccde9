// Package logging provides file-backed debug logging for protocol and
// lifecycle troubleshooting.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging with hex dump capability.
// It writes to a dedicated debug.log file and is intended for troubleshooting
// discovery and register-transport issues such as malformed responses,
// dropped connections, and communication failures.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Subsystem filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known subsystem names for filtering
var knownSubsystems = []string{
	"discovery",
	"registry",
	"conn",
	"modbus",
	"acquire",
	"monitor",
	"mqtt",
	"kafka",
	"valkey",
	"history",
	"api",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("debug", "========================================")

	return logger, nil
}

// KnownSubsystems returns the subsystem names accepted by SetFilter.
func KnownSubsystems() []string {
	out := make([]string, len(knownSubsystems))
	copy(out, knownSubsystems)
	return out
}

// SetFilter sets the subsystem filter for logging.
// The filter can be a single subsystem or comma-separated list.
// Empty string (or "all") means log all subsystems.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" || strings.EqualFold(filter, "all") {
		return
	}

	for _, s := range strings.Split(filter, ",") {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		l.filters[s] = true
		// Registry entries originate from discovery datagrams; filtering one
		// without the other hides half the exchange.
		switch s {
		case "discovery":
			l.filters["registry"] = true
		case "acquire":
			l.filters["modbus"] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for s := range l.filters {
			filterList = append(filterList, s)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [debug] Filtering enabled for subsystems: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the subsystem should be logged based on current
// filter. Must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}

	sub := strings.ToLower(subsystem)
	if l.filters[sub] {
		return true
	}

	// Always allow debug messages (header/footer)
	return sub == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, subsystem, msg)
}

// LogTX logs a transmitted packet with hex dump.
func (l *DebugLogger) LogTX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "TX", data)
}

// LogRX logs a received packet with hex dump.
func (l *DebugLogger) LogRX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "RX", data)
}

// logPacket logs a packet with direction and hex dump.
func (l *DebugLogger) logPacket(subsystem, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n", timestamp, subsystem, direction, len(data))
	fmt.Fprintf(l.file, "%s\n", hexDump(data))
}

// LogConnect logs a connection event.
func (l *DebugLogger) LogConnect(subsystem, address string) {
	l.Log(subsystem, "CONNECT to %s", address)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(subsystem, address string, err error) {
	l.Log(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(subsystem, address, reason string) {
	l.Log(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(subsystem, context string, err error) {
	l.Log(subsystem, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
// Example:
//
//	0000: 4D 6F 64 75 6C 65 20 53  63 61 6E 00 00 00 00 00  Module Scan.....
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		sb.WriteString(fmt.Sprintf("    %04X: ", offset))

		for i := 0; i < 8; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 8; i < 16; i++ {
			if offset+i < len(data) {
				sb.WriteString(fmt.Sprintf("%02X ", data[offset+i]))
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 0; i < 16; i++ {
			if offset+i < len(data) {
				b := data[offset+i]
				if b >= 32 && b < 127 {
					sb.WriteByte(b)
				} else {
					sb.WriteByte('.')
				}
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global debug logging functions for use by subsystem packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(subsystem, data)
	}
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(subsystem, data)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(subsystem, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(subsystem, address)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(subsystem, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(subsystem, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(subsystem, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(subsystem, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(subsystem, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(subsystem, context, err)
	}
}
