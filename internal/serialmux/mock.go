package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/daq.pipeline/internal/monitoring"
)

var errPortClosed = errors.New("serial port closed")

// ScriptedHostPort plays a fixed host script into the service, one line per
// interval, and keeps the replies written back to it.
type ScriptedHostPort struct {
	*TestableSerialPort
	stop chan struct{}
	once sync.Once
}

// NewMockSerialMux returns a mux whose host side replays script every
// interval. It stands in for a real host when no serial device is present.
func NewMockSerialMux(script []string, interval time.Duration) *SerialMux[*ScriptedHostPort] {
	port := &ScriptedHostPort{
		TestableSerialPort: NewTestableSerialPort(),
		stop:               make(chan struct{}),
	}
	port.BlockReads = true
	monitoring.Logf("mock host link: replaying %d lines every %v", len(script), interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for _, line := range script {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
				port.AddLine(line)
			}
		}
	}()

	return NewSerialMux(port)
}

// Close stops the script and closes the port.
func (p *ScriptedHostPort) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.TestableSerialPort.Close()
}

// TestableSerialPort is an in-memory SerialPorter with controllable reads,
// writes and failures.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	// ReadBuffer holds data returned by Read.
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures everything written.
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned once by the next call.
	ReadError  error
	WriteError error
	// ShortWrite makes Write report one byte less than it was given.
	ShortWrite bool
	CloseError error

	// BlockReads makes Read wait for data instead of returning EOF.
	BlockReads bool
	Closed     bool

	ReadCalls  int
	WriteCalls int
}

// NewTestableSerialPort creates an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadCalls++

	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	if p.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return p.ReadBuffer.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteCalls++

	if p.Closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	n, err := p.WriteBuffer.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddLine queues one newline-terminated line for Read.
func (p *TestableSerialPort) AddLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.WriteString(line + "\n")
	p.readCond.Broadcast()
}

// Lines returns the lines written so far.
func (p *TestableSerialPort) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimRight(p.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
