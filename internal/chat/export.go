package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/floegence/superego-agent/internal/superego"
)

// ImportedSuffix is appended to the name of an imported conversation.
const ImportedSuffix = " (Imported)"

// ErrInvalidTranscript is returned for JSON that is not an exported conversation.
var ErrInvalidTranscript = errors.New("invalid conversation format")

// Transcript is the portable form of a conversation.
type Transcript struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Messages    []superego.Message `json:"messages"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// Transcript snapshots the accepted history. The pending evaluation is not included.
func (s *Session) Transcript() Transcript {
	t := Transcript{ID: s.id, Name: s.name, Messages: s.Messages(), LastUpdated: s.now()}
	if t.Messages == nil {
		t.Messages = []superego.Message{}
	}
	return t
}

// WriteTranscript encodes t as indented JSON.
func WriteTranscript(w io.Writer, t Transcript) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// ReadTranscript decodes an exported conversation. It requires an id and a messages array.
func ReadTranscript(r io.Reader) (Transcript, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Transcript{}, err
	}
	if !gjson.ValidBytes(raw) {
		return Transcript{}, fmt.Errorf("%w: not JSON", ErrInvalidTranscript)
	}
	if strings.TrimSpace(gjson.GetBytes(raw, "id").String()) == "" {
		return Transcript{}, fmt.Errorf("%w: missing id", ErrInvalidTranscript)
	}
	if !gjson.GetBytes(raw, "messages").IsArray() {
		return Transcript{}, fmt.Errorf("%w: messages is not an array", ErrInvalidTranscript)
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transcript{}, fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}
	return t, nil
}

// Import starts a session from a transcript under a fresh id, keeping its messages.
//
// The name gains ImportedSuffix; an unnamed transcript is called "Imported (Imported)".
// With a Store the conversation is written immediately.
func Import(ctx context.Context, opts Options, t Transcript) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	s.id = s.newID()
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = "Imported"
	}
	s.name = name + ImportedSuffix

	for _, m := range t.Messages {
		if strings.TrimSpace(m.ID) == "" {
			m.ID = s.newID()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.now()
		}
		if err := s.append(ctx, m); err != nil {
			return nil, err
		}
	}
	if s.store != nil {
		if err := s.ensurePersisted(ctx); err != nil {
			return nil, err
		}
	}
	s.log.Info("conversation imported", "conversation_id", s.id, "source_id", t.ID, "messages", len(t.Messages))
	return s, nil
}
