// Package serialmux multiplexes the host configuration link: lines read from
// one serial port fan out to any number of subscribers, and replies from
// any goroutine are written back one line at a time.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is the number of lines a slow subscriber may lag by
// before lines are dropped for it.
const subscriberBuffer = 64

//go:embed templates/*
var adminTemplateFS embed.FS

var sendLineTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-line.html.tmpl"))

// SerialPorter is the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialMux fans lines from a single serial port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port   T
	banner string

	subMu       sync.Mutex
	subscribers map[string]chan string
	dropped     uint64

	writeMu sync.Mutex
	closed  atomic.Bool
}

// SerialMuxInterface is implemented by the real, mock and disabled muxes.
type SerialMuxInterface interface {
	// Subscribe returns an ID and a channel of lines read from the port.
	Subscribe() (string, chan string)
	// Unsubscribe closes and removes the channel with the given ID.
	Unsubscribe(string)
	// WriteLine writes one newline-terminated line to the port.
	WriteLine(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close closes all subscriber channels and the port.
	Close() error
	// Initialize announces the service to the host.
	Initialize() error
	// AttachAdminRoutes adds the serial console under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// SetBanner sets the line written by Initialize.
func (s *SerialMux[T]) SetBanner(banner string) {
	s.banner = banner
}

// randomID generates an 8 byte hex-encoded subscriber ID.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Dropped returns how many lines were discarded for subscribers that fell
// more than subscriberBuffer lines behind.
func (s *SerialMux[T]) Dropped() uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.dropped
}

// Initialize writes the banner so the host knows the link is up.
func (s *SerialMux[T]) Initialize() error {
	if s.banner == "" {
		return nil
	}
	if err := s.WriteLine(s.banner); err != nil {
		return fmt.Errorf("failed to write banner: %w", err)
	}
	return nil
}

// WriteLine writes line to the serial port, adding a newline if missing.
func (s *SerialMux[T]) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := io.WriteString(s.port, line)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	case n != len(line):
		return ErrWriteFailed
	}
	return nil
}

// broadcast hands line to every subscriber without blocking.
func (s *SerialMux[T]) broadcast(line string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.dropped++
		}
	}
}

// Monitor reads the serial port and broadcasts each line until ctx is done,
// the port reaches EOF or the mux is closed.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// Scan blocks in Read, so it runs apart from the select below. It stops
	// at the next line once Monitor has returned.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-done:
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if s.closed.Load() {
				return nil
			}
			s.broadcast(line)
		}
	}
}

// Close closes every subscriber channel and then the port. Later calls are
// no-ops.
func (s *SerialMux[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachConsole(mux, s)
}

// console serves the /debug/serial pages for one mux.
type console struct {
	link SerialMuxInterface
}

// attachConsole registers the send/tail console for any mux.
func attachConsole(mux *http.ServeMux, link SerialMuxInterface) {
	c := console{link: link}
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial", "serial console: write lines and tail the host link", c.page)
	debug.HandleSilentFunc("serial-send", c.send)
	debug.HandleSilentFunc("serial-tail", c.tail)
	debug.HandleSilentFunc("serial-tail.js", c.script)
}

func (c console) page(w http.ResponseWriter, r *http.Request) {
	if err := sendLineTemplate.Execute(w, nil); err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
	}
}

func (c console) send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	line := strings.TrimSpace(r.FormValue("line"))
	if line == "" {
		http.Error(w, "Missing line", http.StatusBadRequest)
		return
	}
	if err := c.link.WriteLine(line); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Wrote %q to the host link", line)
}

// tail streams every line read from the port as server-sent events.
func (c console) tail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	id, lines := c.link.Subscribe()
	defer c.link.Unsubscribe(id)

	io.WriteString(w, ": connected\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (c console) script(w http.ResponseWriter, r *http.Request) {
	data, err := adminTemplateFS.ReadFile("templates/tail.js")
	if err != nil {
		http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}
