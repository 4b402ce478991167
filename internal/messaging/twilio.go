package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ValidateTwilioSignature checks X-Twilio-Signature against the public URL
// Twilio posted to and the form body.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeSignature(buildSignaturePayload(webhookURL, r.PostForm), authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload is the URL followed by every key/value pair in key order.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ErrIncompleteWebhook is returned when an inbound payload lacks a sid or a
// usable sender number.
var ErrIncompleteWebhook = errors.New("messaging: webhook missing MessageSid or From")

// TwilioWebhookRequest is an inbound patient SMS. From is E.164.
type TwilioWebhookRequest struct {
	MessageSid string
	AccountSid string
	From       string
	To         string
	Body       string
	NumMedia   int
	// OptOutType is set by Twilio Advanced Opt-Out ("STOP", "START", "HELP").
	OptOutType string
}

// ParseTwilioWebhook reads and normalizes an inbound SMS form post.
func ParseTwilioWebhook(r *http.Request) (*TwilioWebhookRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("messaging: parse form: %w", err)
	}
	media, _ := strconv.Atoi(r.FormValue("NumMedia"))
	req := &TwilioWebhookRequest{
		MessageSid: strings.TrimSpace(r.FormValue("MessageSid")),
		AccountSid: r.FormValue("AccountSid"),
		From:       NormalizeE164(r.FormValue("From")),
		To:         NormalizeE164(r.FormValue("To")),
		Body:       strings.TrimSpace(r.FormValue("Body")),
		NumMedia:   media,
		OptOutType: strings.ToUpper(r.FormValue("OptOutType")),
	}
	if req.MessageSid == "" {
		req.MessageSid = strings.TrimSpace(r.FormValue("SmsSid"))
	}
	if req.MessageSid == "" || req.From == "" {
		return req, ErrIncompleteWebhook
	}
	return req, nil
}

// TwilioStatusCallback is a delivery update for an outbound message.
type TwilioStatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
}

// ParseTwilioStatusCallback reads a delivery status post. Older accounts send
// SmsSid/SmsStatus instead of MessageSid/MessageStatus.
func ParseTwilioStatusCallback(r *http.Request) (*TwilioStatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("messaging: parse form: %w", err)
	}
	cb := &TwilioStatusCallback{
		MessageSid:    r.FormValue("MessageSid"),
		MessageStatus: strings.ToLower(r.FormValue("MessageStatus")),
		ErrorCode:     r.FormValue("ErrorCode"),
	}
	if cb.MessageSid == "" {
		cb.MessageSid = r.FormValue("SmsSid")
	}
	if cb.MessageStatus == "" {
		cb.MessageStatus = strings.ToLower(r.FormValue("SmsStatus"))
	}
	if cb.MessageSid == "" {
		return nil, fmt.Errorf("missing MessageSid")
	}
	return cb, nil
}
