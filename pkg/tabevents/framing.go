// Package tabevents produces the tab update and remove events a browser
// extension sends to its native messaging host, framed the way native
// messaging expects: a 32-bit length in native byte order, then JSON.
package tabevents

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/core-tools/hsu-testserver/pkg/errors"
)

const (
	ActionUpdate = "update"
	ActionRemove = "remove"

	// MaxMessageSize bounds a single decoded message
	MaxMessageSize = 1 << 20
)

type Event struct {
	Action   string `json:"action"`
	TabID    int    `json:"tab_id"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	WindowID int    `json:"window_id,omitempty"`
}

func (e Event) Validate() error {
	switch e.Action {
	case ActionUpdate, ActionRemove:
	default:
		return errors.NewValidationError("unknown action '"+e.Action+"'", nil)
	}
	if e.TabID < 0 {
		return errors.NewValidationError("tab id must not be negative", nil).WithContext("tab_id", e.TabID)
	}
	return nil
}

type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one framed message. Header and body go out in a single
// Write so a reader never sees a partial header from this encoder.
func (e *Encoder) Encode(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.NewInternalError("failed to marshal event", err)
	}

	frame := make([]byte, 4+len(body))
	binary.NativeEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, err := e.w.Write(frame); err != nil {
		return errors.NewIOError("failed to write event", err)
	}
	return nil
}

type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next message. It returns io.EOF unwrapped when the
// stream ends cleanly between messages.
func (d *Decoder) Decode() (Event, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, errors.NewIOError("failed to read message length", err)
	}

	size := binary.NativeEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return Event{}, errors.NewValidationError("message too large", nil).WithContext("size", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Event{}, errors.NewIOError("failed to read message body", err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, errors.NewValidationError("failed to parse message", err)
	}
	return event, nil
}
