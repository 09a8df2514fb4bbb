// Package serialization converts handler messages to and from envelope payloads.
//
// Attachments never travel inside a payload. Messages implementing
// AttachmentCarrier have their attachment detached before marshalling and
// cleared after unmarshalling; the attachment itself is fetched out of band
// through an attachment provider using the id in the envelope properties.
package serialization

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Serializer turns messages into payload bytes and back.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// Attachment is an out-of-band binary payload referenced by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Close releases the attachment body.
func (a *Attachment) Close() error {
	if a == nil || a.Body == nil {
		return nil
	}
	return a.Body.Close()
}

// AttachmentCarrier is implemented by messages that carry an attachment.
type AttachmentCarrier interface {
	Attachment() *Attachment
	SetAttachment(*Attachment)
}

// withoutAttachment runs fn with the carrier's attachment detached and restores it afterwards.
func withoutAttachment(v any, fn func() ([]byte, error)) ([]byte, error) {
	carrier, ok := v.(AttachmentCarrier)
	if !ok {
		return fn()
	}
	saved := carrier.Attachment()
	carrier.SetAttachment(nil)
	defer carrier.SetAttachment(saved)
	return fn()
}

func clearAttachment(v any) {
	if carrier, ok := v.(AttachmentCarrier); ok {
		carrier.SetAttachment(nil)
	}
}

// JSON serializes with sonic in encoding/json compatible mode.
type JSON struct{}

func (JSON) ContentType() string { return "application/json" }

func (JSON) Serialize(v any) ([]byte, error) {
	return withoutAttachment(v, func() ([]byte, error) { return Marshal(v) })
}

func (JSON) Deserialize(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return err
	}
	clearAttachment(v)
	return nil
}

// ProtoJSON serializes protobuf messages using the canonical JSON mapping.
type ProtoJSON struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (ProtoJSON) ContentType() string { return "application/protobuf+json" }

func (p ProtoJSON) Serialize(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("relayflow: %T is not a proto.Message", v)
	}
	return withoutAttachment(v, func() ([]byte, error) { return p.MarshalOptions.Marshal(msg) })
}

func (p ProtoJSON) Deserialize(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("relayflow: %T is not a proto.Message", v)
	}
	if err := p.UnmarshalOptions.Unmarshal(data, msg); err != nil {
		return err
	}
	clearAttachment(v)
	return nil
}

// Auto uses ProtoJSON for proto messages and JSON for everything else.
type Auto struct {
	JSON  JSON
	Proto ProtoJSON
}

// Default returns the serializer used when none is configured.
func Default() Serializer {
	return Auto{Proto: ProtoJSON{UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true}}}
}

func (Auto) ContentType() string { return "application/json" }

func (a Auto) Serialize(v any) ([]byte, error) {
	if _, ok := v.(proto.Message); ok {
		return a.Proto.Serialize(v)
	}
	return a.JSON.Serialize(v)
}

func (a Auto) Deserialize(data []byte, v any) error {
	if _, ok := v.(proto.Message); ok {
		return a.Proto.Deserialize(data, v)
	}
	return a.JSON.Deserialize(data, v)
}
