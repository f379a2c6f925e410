// Package envelope turns inbound broker messages into an event id, a
// correlation id and the domain payload, for both raw and enveloped bodies.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedPayload is returned when the body is not a JSON object
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMissingData is returned when an enveloped body has no data object
	ErrMissingData = errors.New("envelope has no data node")
)

// DefaultNamespace is the envelope extension that carries the correlation id
const DefaultNamespace = "ondmoney"

// Shape tells the parser how the body is laid out
type Shape int

const (
	// ShapeRaw bodies are the domain entity serialized directly
	ShapeRaw Shape = iota
	// ShapeEnveloped bodies carry {id, data, <namespace>: {correlationId}}
	ShapeEnveloped
)

func (s Shape) String() string {
	switch s {
	case ShapeRaw:
		return "raw"
	case ShapeEnveloped:
		return "enveloped"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Message is a transport-neutral view of one inbound delivery
type Message struct {
	Topic         string
	Key           string
	EventIDHeader string
	Body          []byte
}

// Envelope is the parsed form of a Message
type Envelope struct {
	EventID       string
	CorrelationID string
	Topic         string
	Data          json.RawMessage
	// FallbackID is true when EventID was synthesized from key and clock;
	// such ids only give best-effort idempotency.
	FallbackID bool
}

// Parser decodes message bodies
type Parser struct {
	Namespace string
	Now       func() time.Time
}

// NewParser creates a parser reading correlation ids from the given namespace
func NewParser(namespace string) *Parser {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Parser{Namespace: namespace, Now: time.Now}
}

// Parse decodes msg according to shape.
//
// The event id is the first non-blank of: the explicit header, the envelope
// id (transactionId for raw bodies), and finally "<key>-<unix millis>".
func (p *Parser) Parse(shape Shape, msg Message) (*Envelope, error) {
	body := bytes.TrimSpace(msg.Body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	env := &Envelope{Topic: msg.Topic}

	var ownID string
	switch shape {
	case ShapeRaw:
		env.Data = json.RawMessage(body)
		ownID = stringField(fields, "transactionId")
		env.CorrelationID = stringField(fields, "correlationId")

	case ShapeEnveloped:
		data, ok := fields["data"]
		if !ok || !isObject(data) {
			return nil, ErrMissingData
		}
		env.Data = data
		ownID = stringField(fields, "id")
		env.CorrelationID = p.correlationID(fields)

	default:
		return nil, fmt.Errorf("unsupported envelope shape: %s", shape)
	}

	switch {
	case strings.TrimSpace(msg.EventIDHeader) != "":
		env.EventID = strings.TrimSpace(msg.EventIDHeader)
	case ownID != "":
		env.EventID = ownID
	default:
		env.EventID = fmt.Sprintf("%s-%d", msg.Key, p.now().UnixMilli())
		env.FallbackID = true
	}

	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}

	return env, nil
}

func (p *Parser) correlationID(fields map[string]json.RawMessage) string {
	ext, ok := fields[p.Namespace]
	if !ok || !isObject(ext) {
		return ""
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(ext, &nested); err != nil {
		return ""
	}
	return stringField(nested, "correlationId")
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// stringField returns a scalar field as text. Numbers are kept verbatim.
func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
