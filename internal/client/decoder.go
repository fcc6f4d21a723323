// Package client consumes the framed event stream produced by the chat
// endpoint.
package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/harunnryd/parley/internal/event"
)

const dataPrefix = "data: "

// Decoder reassembles frames across arbitrary chunk boundaries.
type Decoder struct {
	buf  []byte
	done bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether a terminal event has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk and returns every event completed by it. Lines that are
// not data frames are ignored; frames that fail to parse are logged and
// skipped. After a terminal event all further input is ignored.
func (d *Decoder) Feed(chunk []byte) []event.Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []event.Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:idx], []byte{'\r'})
		d.buf = d.buf[idx+1:]

		ev, ok := parseLine(line)
		if !ok {
			continue
		}
		out = append(out, ev)
		if event.IsTerminal(ev) {
			d.done = true
			d.buf = nil
			break
		}
	}
	return out
}

func parseLine(line []byte) (event.Event, bool) {
	payload, found := bytes.CutPrefix(line, []byte(dataPrefix))
	if !found {
		return nil, false
	}
	ev, err := event.Unmarshal(payload)
	if err != nil {
		slog.Debug("Skipping malformed stream frame", "error", err, "frame", string(payload))
		return nil, false
	}
	return ev, true
}

// Consume reads feed until it is exhausted, a terminal event is delivered, or
// ctx is done. fn is called for every decoded event in order.
func Consume(ctx context.Context, feed io.Reader, fn func(event.Event)) error {
	dec := NewDecoder()
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := feed.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				fn(ev)
			}
			if dec.Done() {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
