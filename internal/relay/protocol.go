package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types sent by the relay platform.
const (
	TypeSetup     = "setup"
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypeDTMF      = "dtmf"
	TypeError     = "error"
)

// Outbound frame types.
const (
	TypeText = "text"
	TypeEnd  = "end"
)

// InboundFrame is a decoded relay event. Only the fields of its Type are
// populated.
type InboundFrame struct {
	Type string `json:"type"`

	// setup
	SessionID        string            `json:"sessionId,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	From             string            `json:"from,omitempty"`
	To               string            `json:"to,omitempty"`
	Direction        string            `json:"direction,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Last        *bool  `json:"last,omitempty"`

	// interrupt
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt,omitempty"`
	DurationUntilInterruptMs int64  `json:"durationUntilInterruptMs,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

// Partial reports whether a prompt frame is an incremental transcript
// rather than a complete utterance.
func (f InboundFrame) Partial() bool {
	return f.Last != nil && !*f.Last
}

// DecodeFrame parses one inbound message.
func DecodeFrame(data []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return InboundFrame{}, errors.New("decode frame: missing type")
	}
	return f, nil
}

// TextFrame carries a text token for text-to-speech.
type TextFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// EndFrame ends the relay session, handing control back to the call
// flow with handoffData.
type EndFrame struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

// NewTextFrame returns a text frame.
func NewTextFrame(token string, last bool) TextFrame {
	return TextFrame{Type: TypeText, Token: token, Last: last}
}

// NewEndFrame returns an end frame.
func NewEndFrame(handoffData string) EndFrame {
	return EndFrame{Type: TypeEnd, HandoffData: handoffData}
}
