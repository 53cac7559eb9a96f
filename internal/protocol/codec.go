package protocol

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal serializes an envelope to its wire form.
func Marshal(env Envelope) ([]byte, error) {
	raw, err := codec.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeProtocol, "failed to marshal envelope", err)
	}

	return raw, nil
}

// Unmarshal parses and validates a wire message. A malformed message yields a
// protocol error; the caller logs and discards it rather than propagating,
// so a single bad message never crashes a receiving loop.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(errors.ErrCodeProtocol, "failed to unmarshal envelope", err)
	}

	if err := validate(env); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

func validate(env Envelope) error {
	switch env.Type {
	case MessageTypeData:
		if _, err := DecodeMarketData(env); err != nil {
			return err
		}
	case MessageTypeControl:
		if env.WorkerID == "" {
			return errors.New(errors.ErrCodeProtocol, "control message missing worker id")
		}

		if env.CorrelationID == "" {
			return errors.New(errors.ErrCodeProtocol, "control message missing correlation id")
		}

		payload, err := DecodeControl(env)
		if err != nil {
			return err
		}

		switch payload.Verb {
		case VerbStart, VerbStop, VerbPause, VerbResume, VerbReload:
		default:
			return errors.Newf(errors.ErrCodeUnknownVerb, "unknown control verb %q", payload.Verb)
		}
	case MessageTypeControlReply:
		if env.CorrelationID == "" {
			return errors.New(errors.ErrCodeProtocol, "control reply missing correlation id")
		}

		if _, err := DecodeControlReply(env); err != nil {
			return err
		}
	case MessageTypeStatus:
		if env.WorkerID == "" {
			return errors.New(errors.ErrCodeProtocol, "status message missing worker id")
		}

		if _, err := DecodeStatus(env); err != nil {
			return err
		}
	default:
		return errors.Newf(errors.ErrCodeProtocol, "unknown message type %q", env.Type)
	}

	return nil
}

// DecodeMarketData extracts the market data payload of a DATA envelope.
func DecodeMarketData(env Envelope) (MarketDataPayload, error) {
	var payload MarketDataPayload

	return payload, decodePayload(env.Payload, &payload)
}

// DecodeControl extracts the payload of a CONTROL envelope.
func DecodeControl(env Envelope) (ControlPayload, error) {
	var payload ControlPayload

	return payload, decodePayload(env.Payload, &payload)
}

// DecodeControlReply extracts the payload of a CONTROL_REPLY envelope.
func DecodeControlReply(env Envelope) (ControlReplyPayload, error) {
	var payload ControlReplyPayload

	return payload, decodePayload(env.Payload, &payload)
}

// DecodeStatus extracts the payload of a STATUS envelope.
func DecodeStatus(env Envelope) (StatusPayload, error) {
	var payload StatusPayload

	return payload, decodePayload(env.Payload, &payload)
}

func encodePayload(payload any) (json.RawMessage, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBadPayload, "failed to encode payload", err)
	}

	return raw, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New(errors.ErrCodeBadPayload, "missing payload")
	}

	if err := codec.Unmarshal(raw, out); err != nil {
		return errors.Wrap(errors.ErrCodeBadPayload, "failed to decode payload", err)
	}

	return nil
}
