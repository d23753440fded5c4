package carrier

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// phoneRe validates E.164-style phone numbers accepted for origination.
var phoneRe = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// ValidPhoneNumber reports whether number looks like a dialable E.164 number.
func ValidPhoneNumber(number string) bool {
	return phoneRe.MatchString(number)
}

// OriginateParams describes an outbound call to place.
type OriginateParams struct {
	To         string
	From       string
	// TwiMLURL is the webhook the carrier fetches when the callee answers;
	// it returns the <Connect><Stream> document that bridges the call.
	TwiMLURL string
}

// Control drives call-leg changes through the carrier's REST API. The
// session runtime and control plane see only this interface; the Twilio
// binding lives behind it.
type Control interface {
	// OriginateCall places an outbound call and returns the carrier call id.
	OriginateCall(ctx context.Context, p OriginateParams) (string, error)

	// RedirectToHold moves the call leg to an announcement + looping hold
	// audio, which tears down the current media stream.
	RedirectToHold(ctx context.Context, callID, announcement string) error

	// RedirectToStream moves the call leg back to a fresh media stream,
	// producing a new start event (the resume path).
	RedirectToStream(ctx context.Context, callID string) error

	// PlayDigits plays DTMF tones in-band and reconnects the media stream.
	PlayDigits(ctx context.Context, callID, digits string) error

	// SayAndHangup speaks a short TTS message to the caller and ends the
	// call (capacity refusal for inbound calls).
	SayAndHangup(ctx context.Context, callID, message string) error

	// CompleteCall ends the call leg immediately.
	CompleteCall(ctx context.Context, callID string) error
}

// TwilioControl implements Control with the Twilio REST API.
type TwilioControl struct {
	client *twilio.RestClient

	// publicURL is the externally reachable base URL of this server, used to
	// compose websocket and webhook callback URLs.
	publicURL string

	// holdAudioURL is the audio file looped while a call is on hold.
	holdAudioURL string
}

var _ Control = (*TwilioControl)(nil)

// TwilioConfig holds the credentials and callback settings for TwilioControl.
type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	PublicURL    string
	HoldAudioURL string
}

// NewTwilioControl creates a Control backed by the Twilio REST API.
func NewTwilioControl(cfg TwilioConfig) *TwilioControl {
	return &TwilioControl{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		publicURL:    cfg.PublicURL,
		holdAudioURL: cfg.HoldAudioURL,
	}
}

// StreamURL derives the wss:// media-stream endpoint from the server's
// public base URL.
func StreamURL(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return "wss://" + publicURL + "/media-stream"
	}
	return "wss://" + u.Host + "/media-stream"
}

// StreamURL returns the wss:// media-stream endpoint derived from publicURL.
func (t *TwilioControl) StreamURL() string {
	return StreamURL(t.publicURL)
}

// OriginateCall implements Control.
func (t *TwilioControl) OriginateCall(ctx context.Context, p OriginateParams) (string, error) {
	params := &twilioapi.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetUrl(p.TwiMLURL)

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("carrier: originate call to %s: %w", p.To, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("carrier: originate call to %s: no call sid returned", p.To)
	}
	_ = ctx // the generated Twilio client does not accept a context
	return *resp.Sid, nil
}

// RedirectToHold implements Control.
func (t *TwilioControl) RedirectToHold(ctx context.Context, callID, announcement string) error {
	return t.updateTwiML(ctx, callID, HoldTwiML(announcement, t.holdAudioURL))
}

// RedirectToStream implements Control.
func (t *TwilioControl) RedirectToStream(ctx context.Context, callID string) error {
	return t.updateTwiML(ctx, callID, StreamTwiML(t.StreamURL(), nil))
}

// PlayDigits implements Control.
func (t *TwilioControl) PlayDigits(ctx context.Context, callID, digits string) error {
	return t.updateTwiML(ctx, callID, PlayDigitsTwiML(digits, t.StreamURL(), nil))
}

// SayAndHangup implements Control.
func (t *TwilioControl) SayAndHangup(ctx context.Context, callID, message string) error {
	return t.updateTwiML(ctx, callID, RejectTwiML(message))
}

// CompleteCall implements Control.
func (t *TwilioControl) CompleteCall(ctx context.Context, callID string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("carrier: complete call %s: %w", callID, err)
	}
	_ = ctx
	return nil
}

func (t *TwilioControl) updateTwiML(_ context.Context, callID, twiml string) error {
	params := &twilioapi.UpdateCallParams{}
	params.SetTwiml(twiml)
	if _, err := t.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("carrier: update call %s: %w", callID, err)
	}
	return nil
}
