package docmesh

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wire protocol between peers. every message is wrapped in a Frame that
// carries the kind tag, so that a receiver can reject unknown kinds without
// touching the payload.

var ErrProtocol = errors.New("protocol error")

type MessageType string

const (
	MessageTypeSync                MessageType = "sync"
	MessageTypeRequest             MessageType = "request"
	MessageTypeWelcome             MessageType = "welcome"
	MessageTypeDocumentUnavailable MessageType = "documentUnavailable"
	MessageTypeArrive              MessageType = "arrive"
	MessageTypeEphemeral           MessageType = "ephemeral"
)

type Frame struct {
	Kind         MessageType `cbor:"kind"`
	MessageBytes []byte      `cbor:"messageBytes"`
}

// a diff relative to the receiver's last known cursor
type SyncMessage struct {
	DocumentId []byte `cbor:"documentId"`
	SenderId   []byte `cbor:"senderId"`
	TargetId   []byte `cbor:"targetId"`
	DiffBytes  []byte `cbor:"diffBytes"`
}

// "does any of you have document X"
type RequestMessage struct {
	DocumentId []byte `cbor:"documentId"`
	SenderId   []byte `cbor:"senderId"`
	TargetId   []byte `cbor:"targetId"`
}

// positive response to a request, carrying the full document
type WelcomeMessage struct {
	DocumentId []byte `cbor:"documentId"`
	SenderId   []byte `cbor:"senderId"`
	TargetId   []byte `cbor:"targetId"`
	FullBytes  []byte `cbor:"fullBytes"`
}

// negative response to a request
type DocumentUnavailableMessage struct {
	DocumentId []byte `cbor:"documentId"`
	SenderId   []byte `cbor:"senderId"`
	TargetId   []byte `cbor:"targetId"`
}

// announces that a previously unknown document now exists at the sender
type ArriveMessage struct {
	DocumentId []byte `cbor:"documentId"`
	SenderId   []byte `cbor:"senderId"`
}

// out of band payload scoped to a document. never persisted, never retried.
type EphemeralMessage struct {
	DocumentId     []byte `cbor:"documentId"`
	SenderId       []byte `cbor:"senderId"`
	TargetId       []byte `cbor:"targetId"`
	SessionId      []byte `cbor:"sessionId"`
	SequenceNumber uint64 `cbor:"sequenceNumber"`
	PayloadBytes   []byte `cbor:"payloadBytes"`
}

func ToFrame(message any) (*Frame, error) {
	var kind MessageType
	switch v := message.(type) {
	case *SyncMessage:
		kind = MessageTypeSync
	case *RequestMessage:
		kind = MessageTypeRequest
	case *WelcomeMessage:
		kind = MessageTypeWelcome
	case *DocumentUnavailableMessage:
		kind = MessageTypeDocumentUnavailable
	case *ArriveMessage:
		kind = MessageTypeArrive
	case *EphemeralMessage:
		kind = MessageTypeEphemeral
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	messageBytes, err := cbor.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:         kind,
		MessageBytes: messageBytes,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Kind {
	case MessageTypeSync:
		message = &SyncMessage{}
	case MessageTypeRequest:
		message = &RequestMessage{}
	case MessageTypeWelcome:
		message = &WelcomeMessage{}
	case MessageTypeDocumentUnavailable:
		message = &DocumentUnavailableMessage{}
	case MessageTypeArrive:
		message = &ArriveMessage{}
	case MessageTypeEphemeral:
		message = &EphemeralMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown message kind: %s", ErrProtocol, frame.Kind)
	}
	if err := cbor.Unmarshal(frame.MessageBytes, message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frame)
}

func RequireEncodeFrame(message any) []byte {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return frameBytes
}

func DecodeFrame(frameBytes []byte) (any, error) {
	frame := &Frame{}
	if err := cbor.Unmarshal(frameBytes, frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	return FromFrame(frame)
}

func validateMessage(message any) error {
	requireId := func(field string, idBytes []byte) error {
		if _, err := IdFromBytes(idBytes); err != nil {
			return fmt.Errorf("%w: bad %s: %s", ErrProtocol, field, err)
		}
		return nil
	}

	switch v := message.(type) {
	case *SyncMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
		if err := requireId("targetId", v.TargetId); err != nil {
			return err
		}
		if len(v.DiffBytes) == 0 {
			return fmt.Errorf("%w: sync requires diffBytes", ErrProtocol)
		}
	case *RequestMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
		if err := requireId("targetId", v.TargetId); err != nil {
			return err
		}
	case *WelcomeMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
		if err := requireId("targetId", v.TargetId); err != nil {
			return err
		}
		if len(v.FullBytes) == 0 {
			return fmt.Errorf("%w: welcome requires fullBytes", ErrProtocol)
		}
	case *DocumentUnavailableMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
		if err := requireId("targetId", v.TargetId); err != nil {
			return err
		}
	case *ArriveMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
	case *EphemeralMessage:
		if err := requireId("documentId", v.DocumentId); err != nil {
			return err
		}
		if err := requireId("senderId", v.SenderId); err != nil {
			return err
		}
		if err := requireId("targetId", v.TargetId); err != nil {
			return err
		}
		if err := requireId("sessionId", v.SessionId); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown message type: %T", ErrProtocol, v)
	}
	return nil
}
