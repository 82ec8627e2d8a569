package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ResultCodeSuccess is the only successful callback result.
const ResultCodeSuccess = 0

// Acknowledgement is the fixed reply the provider expects for every delivery.
type Acknowledgement struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted is returned for every callback, whatever happened internally.
var Accepted = Acknowledgement{ResultCode: 0, ResultDesc: "Accepted"}

type callbackEnvelope struct {
	Body struct {
		StkCallback *Callback `json:"stkCallback"`
	} `json:"Body"`
}

// Callback is the stkCallback object of a result notification.
type Callback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

// MetadataItem is one named value. Values are numbers or strings.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// PaymentDetails are the fields of interest in a successful callback.
type PaymentDetails struct {
	Amount          decimal.Decimal
	ReceiptNumber   string
	PhoneNumber     string
	TransactionDate string
}

// ParseCallback decodes a callback body. Numbers are kept as json.Number so
// phone numbers and dates are not mangled into floats.
func ParseCallback(body []byte) (*Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env callbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed callback: %w", err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, errors.New("malformed callback: missing Body.stkCallback")
	}
	if cb.CheckoutRequestID == "" {
		return nil, errors.New("malformed callback: missing CheckoutRequestID")
	}
	return cb, nil
}

// Success reports whether the customer completed the payment
func (cb *Callback) Success() bool {
	return cb.ResultCode == ResultCodeSuccess
}

// Details extracts Amount, MpesaReceiptNumber, PhoneNumber and TransactionDate
// from the metadata list. Missing items are left zero.
func (cb *Callback) Details() PaymentDetails {
	var d PaymentDetails
	if cb.CallbackMetadata == nil {
		return d
	}

	for _, item := range cb.CallbackMetadata.Item {
		v := valueString(item.Value)
		switch item.Name {
		case "Amount":
			if amt, err := decimal.NewFromString(v); err == nil {
				d.Amount = amt
			}
		case "MpesaReceiptNumber":
			d.ReceiptNumber = v
		case "PhoneNumber":
			d.PhoneNumber = v
		case "TransactionDate":
			d.TransactionDate = v
		}
	}
	return d
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
