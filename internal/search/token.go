package search

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/casevault/internal/inbox"
)

// ErrInvalidToken is returned when a page token cannot be decoded.
var ErrInvalidToken = errors.New("invalid page token")

type tokenData struct {
	ReceivedOn int64 `json:"t"`
	BackendID  int64 `json:"id"`
}

// EncodeToken encodes a watermark as an opaque page token.
func EncodeToken(w inbox.Watermark) string {
	b, _ := json.Marshal(tokenData{ReceivedOn: w.ReceivedOn.UnixNano(), BackendID: w.BackendID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeToken decodes a page token. The empty token decodes to nil.
func DecodeToken(token string) (*inbox.Watermark, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var td tokenData
	if err := json.Unmarshal(b, &td); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if td.BackendID <= 0 {
		return nil, fmt.Errorf("%w: missing message id", ErrInvalidToken)
	}
	return &inbox.Watermark{ReceivedOn: time.Unix(0, td.ReceivedOn).UTC(), BackendID: td.BackendID}, nil
}
