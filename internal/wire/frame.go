// Package wire defines the relay protocol frames and room naming shared by
// the relay server and its clients.
package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ProtocolVersion is sent in every Auth frame.
const ProtocolVersion = "1.0.0"

const supportedVersions = "^1"

// CloseAuthFailed is the websocket close code used after an AuthFail frame.
const CloseAuthFailed = 4401

type FrameType string

const (
	TypeAuth     FrameType = "auth"
	TypeAuthOK   FrameType = "auth_ok"
	TypeAuthFail FrameType = "auth_fail"
	TypeSyncStep FrameType = "sync_step"
	TypeUpdate   FrameType = "update"
)

var (
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
)

// Frame is one websocket text message. Data carries CRDT update or snapshot
// bytes and is base64 encoded on the wire.
type Frame struct {
	Type    FrameType `json:"type"`
	Token   string    `json:"token,omitempty"`
	Room    string    `json:"room,omitempty"`
	Version string    `json:"version,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Data    []byte    `json:"data,omitempty"`
}

func Auth(token, room string) Frame {
	return Frame{Type: TypeAuth, Token: token, Room: room, Version: ProtocolVersion}
}

func AuthOK() Frame {
	return Frame{Type: TypeAuthOK}
}

func AuthFail(reason string) Frame {
	return Frame{Type: TypeAuthFail, Reason: reason}
}

func SyncStep(snapshot []byte) Frame {
	return Frame{Type: TypeSyncStep, Data: snapshot}
}

func Update(update []byte) Frame {
	return Frame{Type: TypeUpdate, Data: update}
}

//go:embed frame.schema.json
var frameSchemaJSON []byte

const frameSchemaURL = "https://schemas.onyx.local/frame.json"

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frameSchemaJSON))
		if err != nil {
			frameSchemaErr = fmt.Errorf("parse frame schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(frameSchemaURL, doc); err != nil {
			frameSchemaErr = fmt.Errorf("add frame schema: %w", err)
			return
		}
		frameSchema, frameSchemaErr = c.Compile(frameSchemaURL)
	})
	return frameSchema, frameSchemaErr
}

func Encode(f Frame) ([]byte, error) {
	if strings.TrimSpace(string(f.Type)) == "" {
		return nil, fmt.Errorf("%w: frame type is required", ErrMalformedFrame)
	}
	return json.Marshal(f)
}

// Decode validates data against the frame schema before unmarshalling it.
func Decode(data []byte) (Frame, error) {
	schema, err := compiledFrameSchema()
	if err != nil {
		return Frame{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// CheckVersion reports whether a peer speaking version can join.
func CheckVersion(version string) error {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, version)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, v)
	}
	return nil
}
