package messages

import (
	"encoding/json"
	"fmt"

	"dealroom/internal/domain/shared/money"
)

type textPayload struct {
	Body string `json:"body"`
}

type offerPayload struct {
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	State                OfferState `json:"state"`
	RequiresResponseFrom string     `json:"requires_response_from,omitempty"`
	InReplyTo            string     `json:"in_reply_to,omitempty"`
}

type filePayload struct {
	FileName    string `json:"file_name"`
	ByteSize    int64  `json:"byte_size"`
	ContentRef  string `json:"content_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// MarshalContent encodes content as its kind plus a JSON payload. Storage
// rows and wire envelopes share this form.
func MarshalContent(c Content) (Kind, []byte, error) {
	var payload any
	switch v := c.(type) {
	case Text:
		payload = textPayload{Body: v.Body}
	case Offer:
		payload = offerPayload{
			Amount:               v.Amount.Amount,
			Currency:             v.Amount.Currency,
			State:                v.State,
			RequiresResponseFrom: v.RequiresResponseFrom,
			InReplyTo:            v.InReplyTo,
		}
	case File:
		payload = filePayload{FileName: v.FileName, ByteSize: v.ByteSize, ContentRef: v.ContentRef, ContentType: v.ContentType}
	default:
		return "", nil, fmt.Errorf("%w: unsupported content %T", ErrValidation, c)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	return c.Kind(), data, nil
}

func UnmarshalContent(kind Kind, data []byte) (Content, error) {
	switch kind {
	case KindText:
		var p textPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: text payload: %v", ErrValidation, err)
		}
		return Text{Body: p.Body}, nil
	case KindOffer:
		var p offerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: offer payload: %v", ErrValidation, err)
		}
		return Offer{
			Amount:               money.Money{Amount: p.Amount, Currency: p.Currency},
			State:                p.State,
			RequiresResponseFrom: p.RequiresResponseFrom,
			InReplyTo:            p.InReplyTo,
		}, nil
	case KindFile:
		var p filePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: file payload: %v", ErrValidation, err)
		}
		return File{FileName: p.FileName, ByteSize: p.ByteSize, ContentRef: p.ContentRef, ContentType: p.ContentType}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrValidation, kind)
	}
}
