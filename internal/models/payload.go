package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PermissionPayload is a spend permission as transmitted by clients. Numeric
// fields arrive as decimal strings (or JSON numbers) even though they were
// signed as fixed-width integers; signature.ToPermission converts them back.
type PermissionPayload struct {
	Account   string  `json:"account" binding:"required"`
	Spender   string  `json:"spender" binding:"required"`
	Token     string  `json:"token" binding:"required"`
	Allowance Numeric `json:"allowance" binding:"required"`
	Period    Numeric `json:"period" binding:"required"`
	Start     Numeric `json:"start" binding:"required"`
	End       Numeric `json:"end" binding:"required"`
	Salt      Numeric `json:"salt" binding:"required"`
	ExtraData string  `json:"extraData"`
}

// Numeric is an unbounded integer in textual form. It accepts JSON numbers
// and JSON strings holding decimal or 0x-prefixed hex digits.
type Numeric string

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("numeric field must be a number or a string: %w", err)
	}
	*n = Numeric(num.String())
	return nil
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}
