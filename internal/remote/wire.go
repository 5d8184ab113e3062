package remote

import (
	"bytes"
	"fmt"
	"io"

	"libgbmshare.dev/compositor/internal/bin"
)

// op identifies one of the fixed calls this module's RPC protocol
// carries. There is no code generation step here, unlike the teacher's
// wlgen, because the protocol surface this client needs is four calls,
// not an extensible family of interfaces.
type op uint32

const (
	opCreateDisplay op = iota + 1
	opCreateSurface
	opReleaseSurface
	opRenderNodePath
)

// frameKind tags every inbound frame so readLoop can tell a reply to the
// currently outstanding request apart from a push the compositor sent on
// its own initiative.
type frameKind byte

const (
	kindResponse frameKind = iota
	kindNotify
)

// NotifyKind identifies which of the two compositor-driven swap callbacks
// a kindNotify frame carries.
type NotifyKind byte

const (
	NotifyRendered NotifyKind = iota + 1
	NotifyPublished
)

// request is one outbound call: an opcode plus its already-encoded
// argument payload.
type request struct {
	op      op
	payload bytes.Buffer
}

func newRequest(o op) *request {
	return &request{op: o}
}

func (r *request) writeUint32(v uint32) {
	bin.Write(&r.payload, v)
}

func (r *request) writeString(v string) {
	r.writeUint32(uint32(len(v)))
	r.payload.WriteString(v)
}

// send queues r onto the connection's single writer goroutine and blocks
// for its response, without blocking any other caller's own send in the
// meantime.
func (c *Conn) send(r *request) (*response, error) {
	type result struct {
		resp *response
		err  error
	}
	out := make(chan result, 1)

	select {
	case c.queue.Add() <- func() {
		resp, err := c.doSend(r)
		out <- result{resp, err}
	}:
	case <-c.done:
		return nil, fmt.Errorf("remote: connection closed")
	}

	res := <-out
	return res.resp, res.err
}

// doSend writes the request as [4-byte total length][4-byte opcode]
// [payload], then waits on the connection's shared reader for the next
// response frame. It must only ever run on the connection's single writer
// goroutine, which is what guarantees at most one request is outstanding
// at a time and so the next response frame off the wire is necessarily
// this one's.
func (c *Conn) doSend(r *request) (*response, error) {
	length := 4 + r.payload.Len()

	var buf bytes.Buffer
	buf.Grow(4 + length)
	bin.Write(&buf, uint32(length))
	bin.Write(&buf, uint32(r.op))
	buf.Write(r.payload.Bytes())

	if _, err := c.c.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("remote: write request: %w", err)
	}

	select {
	case resp, ok := <-c.respCh:
		if !ok {
			return nil, fmt.Errorf("remote: connection closed while awaiting response")
		}
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("remote: connection closed")
	}
}

// response is one inbound reply: a status byte followed by its payload.
type response struct {
	ok   bool
	data bytes.Reader
}

// notification is one inbound compositor-initiated push: which of
// Rendered/Published fired, and for which surface.
type notification struct {
	kind      NotifyKind
	surfaceID uint32
}

// readFrame reads one inbound frame -- [4-byte length][1-byte kind]
// [payload] -- and decodes it into either a *response or a notification.
func readFrame(r io.Reader) (any, error) {
	length, err := bin.Read[uint32](r)
	if err != nil {
		return nil, fmt.Errorf("remote: read frame length: %w", err)
	}
	if length == 0 {
		return nil, fmt.Errorf("remote: empty frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("remote: read frame body: %w", err)
	}

	switch frameKind(body[0]) {
	case kindResponse:
		if len(body) < 2 {
			return nil, fmt.Errorf("remote: truncated response frame")
		}
		resp := &response{ok: body[1] == 1}
		resp.data.Reset(body[2:])
		return resp, nil

	case kindNotify:
		if len(body) < 6 {
			return nil, fmt.Errorf("remote: truncated notification frame")
		}
		return notification{
			kind:      NotifyKind(body[1]),
			surfaceID: uint32(body[2]) | uint32(body[3])<<8 | uint32(body[4])<<16 | uint32(body[5])<<24,
		}, nil

	default:
		return nil, fmt.Errorf("remote: unknown frame kind %d", body[0])
	}
}

func (resp *response) readUint32() (uint32, error) {
	return bin.Read[uint32](&resp.data)
}

func (resp *response) readString() (string, error) {
	n, err := resp.readUint32()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(&resp.data, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
