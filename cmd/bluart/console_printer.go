package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/bluart/export"
	"github.com/srg/bluart/packet"
	"github.com/srg/bluart/session"
)

// consolePrinter renders session events to a terminal.
//
// In text mode without timestamps received bytes are streamed as they arrive,
// so a line split across notifications still prints as one line. Hex mode and
// timestamps switch to one line per packet.
type consolePrinter struct {
	mu         sync.Mutex
	out        io.Writer
	formatter  *export.Formatter
	echo       bool
	timestamps bool

	rx     *color.Color
	tx     *color.Color
	dim    *color.Color
	midRow bool // streamed output did not end with a newline
}

func newConsolePrinter(out io.Writer, formatter *export.Formatter, echo, timestamps bool) *consolePrinter {
	return &consolePrinter{
		out:        out,
		formatter:  formatter,
		echo:       echo,
		timestamps: timestamps,
		rx:         color.New(color.FgGreen),
		tx:         color.New(color.FgCyan),
		dim:        color.New(color.Faint),
	}
}

func (p *consolePrinter) perPacket() bool {
	return p.timestamps || p.formatter.Display() == export.DisplayHex
}

// HandleEvent is a session.Listener.
func (p *consolePrinter) HandleEvent(ev session.Event) {
	if ev.Packet.Mode() == packet.Transmit && !p.echo {
		return
	}
	if ev.Packet.Len() == 0 {
		return
	}

	text := p.render(ev.Packet)

	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.rx
	if ev.Packet.Mode() == packet.Transmit {
		c = p.tx
	}

	if !p.perPacket() {
		_, _ = c.Fprint(p.out, text)
		p.midRow = !strings.HasSuffix(text, "\n")
		return
	}

	if p.midRow {
		fmt.Fprintln(p.out)
		p.midRow = false
	}
	if p.timestamps {
		_, _ = p.dim.Fprintf(p.out, "[%s] ", ev.Packet.Timestamp().Format(export.DefaultTimeLayout))
	}
	label := ev.Packet.Mode().String()
	if ev.Origin != session.OriginRemote && ev.Origin != session.OriginLocal {
		label += "/" + ev.Origin.String()
	}
	_, _ = c.Fprintf(p.out, "%s %s\n", label, strings.TrimRight(text, "\r\n"))
}

// render formats one payload in the display mode. Text that is not valid
// UTF-8 falls back to hex so the console never prints garbage.
func (p *consolePrinter) render(pkt packet.Packet) string {
	res, err := p.formatter.Text([]packet.Packet{pkt})
	if err == nil {
		return res.String()
	}
	if errors.Is(err, export.ErrDecode) {
		return "<" + strings.ToUpper(hex.EncodeToString(pkt.Payload())) + ">"
	}
	return ""
}

// Notice prints a status line that does not belong to the packet stream.
func (p *consolePrinter) Notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.midRow {
		fmt.Fprintln(p.out)
		p.midRow = false
	}
	_, _ = p.dim.Fprintf(p.out, format+"\n", args...)
}
