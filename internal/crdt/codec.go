package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const updateVersion = 1

// MaxCounter bounds every stamp counter so a clock can never wrap and the
// value survives JSON number handling in other runtimes.
const MaxCounter uint64 = 1 << 53

var ErrDecode = errors.New("malformed update")

// DecodeError reports update bytes that were rejected before touching state.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed update: %s: %v", e.Reason, e.Err)
	}
	return "malformed update: " + e.Reason
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Stamp orders writes: higher Counter wins, ties are broken by Replica.
type Stamp struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

func (s Stamp) Less(other Stamp) bool {
	if s.Counter != other.Counter {
		return s.Counter < other.Counter
	}
	return s.Replica < other.Replica
}

func (s Stamp) IsZero() bool {
	return s.Counter == 0 && s.Replica == ""
}

func (s Stamp) valid() bool {
	return s.Counter > 0 && s.Counter <= MaxCounter && s.Replica != ""
}

type opKind string

const (
	opField  opKind = "field"
	opAlive  opKind = "alive"
	opInsert opKind = "ins"
	opRemove opKind = "del"
)

type op struct {
	Kind   opKind          `json:"k"`
	Target string          `json:"t"`
	Stamp  Stamp           `json:"s"`
	Key    string          `json:"key,omitempty"`
	Field  string          `json:"f,omitempty"`
	Value  json.RawMessage `json:"v,omitempty"`
	Alive  bool            `json:"a,omitempty"`
	Origin *Stamp          `json:"o,omitempty"`
	Text   string          `json:"x,omitempty"`
	Ref    *Stamp          `json:"ref,omitempty"`
}

type envelope struct {
	Version int  `json:"v"`
	Ops     []op `json:"ops"`
}

func encodeOps(ops []op) ([]byte, error) {
	if ops == nil {
		ops = []op{}
	}
	return json.Marshal(envelope{Version: updateVersion, Ops: ops})
}

func decodeOps(update []byte) ([]op, error) {
	if len(update) == 0 {
		return nil, &DecodeError{Reason: "empty update"}
	}
	var env envelope
	if err := json.Unmarshal(update, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid encoding", Err: err}
	}
	if env.Version != updateVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", env.Version)}
	}
	for i := range env.Ops {
		if err := validateOp(&env.Ops[i]); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("op %d: %s", i, err.Error())}
		}
	}
	return env.Ops, nil
}

func validateOp(o *op) error {
	if o.Target == "" {
		return errors.New("missing target")
	}
	if !o.Stamp.valid() {
		return errors.New("invalid stamp")
	}
	switch o.Kind {
	case opField:
		if o.Key == "" || o.Field == "" {
			return errors.New("field write needs key and field")
		}
		if len(o.Value) == 0 || !json.Valid(o.Value) {
			return errors.New("field value is not json")
		}
	case opAlive:
		if o.Key == "" {
			return errors.New("liveness write needs key")
		}
	case opInsert:
		if utf8.RuneCountInString(o.Text) != 1 || !utf8.ValidString(o.Text) {
			return errors.New("insert must carry exactly one rune")
		}
		if o.Origin != nil {
			if !o.Origin.valid() {
				return errors.New("invalid origin")
			}
			if o.Origin.Counter >= o.Stamp.Counter {
				return errors.New("origin is not causally before insert")
			}
		}
	case opRemove:
		if o.Ref == nil || !o.Ref.valid() {
			return errors.New("remove needs a valid reference")
		}
	default:
		return fmt.Errorf("unknown op kind %q", o.Kind)
	}
	return nil
}
