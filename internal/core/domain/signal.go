package domain

import (
	"encoding/json"
	"fmt"
)

// SignalKind tags the variant carried in SignalData.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	// SignalRenegotiate asks the initiator of a pair to send a fresh offer.
	SignalRenegotiate SignalKind = "renegotiate"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalData is the closed set of handshake messages exchanged between peers.
type SignalData struct {
	Kind        SignalKind          `json:"kind"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

func OfferSignal(sdp string) SignalData {
	return SignalData{Kind: SignalOffer, Description: &SessionDescription{Type: string(SignalOffer), SDP: sdp}}
}

func AnswerSignal(sdp string) SignalData {
	return SignalData{Kind: SignalAnswer, Description: &SessionDescription{Type: string(SignalAnswer), SDP: sdp}}
}

func CandidateSignal(c ICECandidate) SignalData {
	return SignalData{Kind: SignalCandidate, Candidate: &c}
}

func RenegotiateSignal() SignalData {
	return SignalData{Kind: SignalRenegotiate}
}

// Validate checks that the fields required by Kind are present.
func (d SignalData) Validate() error {
	switch d.Kind {
	case SignalOffer, SignalAnswer:
		if d.Description == nil || d.Description.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrInvalidSignal, d.Kind)
		}
	case SignalCandidate:
		if d.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidSignal)
		}
	case SignalRenegotiate:
	case "":
		return fmt.Errorf("%w: missing kind", ErrInvalidSignal)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, d.Kind)
	}
	return nil
}

// ParseSignalData decodes and validates raw signal data.
func ParseSignalData(raw json.RawMessage) (SignalData, error) {
	var d SignalData
	if len(raw) == 0 {
		return d, fmt.Errorf("%w: empty data", ErrInvalidSignal)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
