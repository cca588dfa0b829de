package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds one message on a stream.
const maxLineSize = 1 << 20

// Marshal returns the wire form of one message, without the newline that
// frames it on a stream. The NATS transport sends it as the message body.
func Marshal(msgType MessageType, data interface{}) ([]byte, error) {
	if err := msgType.Validate(); err != nil {
		return nil, err
	}
	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Unmarshal parses one wire message and checks its type.
func Unmarshal(line []byte) (*Message, error) {
	if len(line) == 0 {
		return nil, errors.New("empty message")
	}
	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encoder frames messages as newline-terminated JSON lines. Each message is
// written with a single Write, so an Encoder may be shared between
// goroutines.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msgType with data as its payload.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	line, err := Marshal(msgType, data)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeRequest refuses requests that fail Validate.
func (e *Encoder) EncodeRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeRequest, req)
}

// EncodeResponse refuses responses that fail Validate.
func (e *Encoder) EncodeResponse(resp *Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return e.Encode(MessageTypeResponse, resp)
}

func (e *Encoder) EncodeError(em *ErrorMessage) error {
	return e.Encode(MessageTypeError, em)
}

func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads newline-framed messages.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Decoder{sc: sc}
}

// Decode returns the next message, or io.EOF once the stream is closed.
func (d *Decoder) Decode() (*Message, error) {
	if d.sc.Scan() {
		return Unmarshal(d.sc.Bytes())
	}
	if err := d.sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	return nil, io.EOF
}

// DecodeRequest reads the next message, which must be a valid REQ.
func (d *Decoder) DecodeRequest() (*Request, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	return ParseRequest(msg)
}

// ParseRequest returns the validated request carried by a REQ message.
func ParseRequest(msg *Message) (*Request, error) {
	if msg.Type != MessageTypeRequest {
		return nil, fmt.Errorf("expected %s, got %s", MessageTypeRequest, msg.Type)
	}
	req := new(Request)
	if err := ParseData(msg.Data, req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseResponse returns the response carried by a RESP message. An ERROR
// message from the device is turned into an error.
func ParseResponse(msg *Message) (*Response, error) {
	switch msg.Type {
	case MessageTypeResponse:
		resp := new(Response)
		if err := ParseData(msg.Data, resp); err != nil {
			return nil, err
		}
		return resp, nil

	case MessageTypeError:
		var em ErrorMessage
		if err := ParseData(msg.Data, &em); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("device error %s: %s", em.Code, em.Message)
	}
	return nil, fmt.Errorf("expected %s, got %s", MessageTypeResponse, msg.Type)
}

// ParseData decodes a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
