package serialmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/registers"
)

// Command kinds understood on the host link.
const (
	CmdWrite  = 'W' // W <index> <value>
	CmdRead   = 'R' // R <index>
	CmdDump   = 'D' // D
	CmdStatus = 'S' // S
	CmdReset  = 'X' // X
)

var ErrBadCommand = errors.New("bad command")

// Command is one parsed host line.
type Command struct {
	Kind  byte
	Index int
	Value uint32
}

// Host is the pipeline as seen from the serial link.
type Host interface {
	Submit(registers.Write) error
	ReadRegister(index int) (uint32, bool)
	Status() pipeline.Status
	RequestReset()
}

// ParseCommand parses a host line. Numbers may be decimal or 0x-prefixed hex.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrBadCommand)
	}
	if len(fields[0]) != 1 {
		return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, fields[0])
	}
	cmd := Command{Kind: strings.ToUpper(fields[0])[0]}
	args := fields[1:]

	want := 0
	switch cmd.Kind {
	case CmdWrite:
		want = 2
	case CmdRead:
		want = 1
	case CmdDump, CmdStatus, CmdReset:
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrBadCommand, fields[0])
	}
	if len(args) != want {
		return Command{}, fmt.Errorf("%w: %c takes %d arguments, got %d", ErrBadCommand, cmd.Kind, want, len(args))
	}

	if want >= 1 {
		idx, err := strconv.ParseUint(args[0], 0, 16)
		if err != nil {
			return Command{}, fmt.Errorf("%w: index %q", ErrBadCommand, args[0])
		}
		cmd.Index = int(idx)
	}
	if want == 2 {
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return Command{}, fmt.Errorf("%w: value %q", ErrBadCommand, args[1])
		}
		cmd.Value = uint32(v)
	}
	return cmd, nil
}

// statusLine is the compact status reply.
type statusLine struct {
	Cycle        uint32           `json:"cycle"`
	Enabled      bool             `json:"enabled"`
	Mode         string           `json:"mode"`
	Count        int              `json:"count"`
	Backpressure bool             `json:"backpressure"`
	Metrics      perfmon.Snapshot `json:"metrics"`
	Warnings     []string         `json:"warnings"`
}

// HandleLine executes one host line and returns the reply lines. Blank lines
// and lines starting with '#' produce no reply.
func HandleLine(h Host, line string) []string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		return []string{errReply(err)}
	}

	switch cmd.Kind {
	case CmdWrite:
		w := registers.Write{Index: cmd.Index, Value: cmd.Value}
		if err := h.Submit(w); err != nil {
			return []string{errReply(err)}
		}
		return []string{"OK"}

	case CmdRead:
		v, ok := h.ReadRegister(cmd.Index)
		if !ok {
			return []string{errReply(fmt.Errorf("%w: %d", registers.ErrUnknownRegister, cmd.Index))}
		}
		return []string{valueReply(cmd.Index, v)}

	case CmdDump:
		regs := h.Status().Registers
		out := make([]string, 0, len(regs)+1)
		for _, r := range regs {
			out = append(out, valueReply(r.Index, r.Value))
		}
		return append(out, "OK")

	case CmdStatus:
		st := h.Status()
		b, err := json.Marshal(statusLine{
			Cycle:        st.Cycle,
			Enabled:      st.Enabled,
			Mode:         st.Mode,
			Count:        st.Buffer.Count,
			Backpressure: st.Buffer.Backpressure,
			Metrics:      st.Metrics,
			Warnings:     st.Warnings,
		})
		if err != nil {
			return []string{errReply(err)}
		}
		return []string{string(b)}

	case CmdReset:
		h.RequestReset()
		return []string{"OK"}
	}
	return []string{errReply(ErrBadCommand)}
}

// Serve answers host lines read from mux until ctx is done or the mux closes.
func Serve(ctx context.Context, mux SerialMuxInterface, h Host) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			for _, reply := range HandleLine(h, line) {
				if err := mux.WriteLine(reply); err != nil {
					return fmt.Errorf("write reply: %w", err)
				}
			}
			monitoring.Logf("host: %q", line)
		}
	}
}

func valueReply(index int, v uint32) string {
	return fmt.Sprintf("V %d %d", index, v)
}

func errReply(err error) string {
	return "ERR " + err.Error()
}
