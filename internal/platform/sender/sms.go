package sender

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Twilio error codes that mean the number will never accept messages.
var (
	twilioInvalidNumber = map[int]bool{21211: true, 21614: true, 21217: true}
	twilioUnsubscribed  = map[int]bool{21610: true}
)

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSMS sends text messages through Twilio.
type TwilioSMS struct {
	api  messageCreator
	from string
}

// NewTwilioSMS sends from the given number with account credentials.
func NewTwilioSMS(accountSID, authToken, from string) *TwilioSMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSMS{api: client.Api, from: from}
}

func (s *TwilioSMS) Send(ctx context.Context, msg Message) (string, error) {
	if !e164.MatchString(msg.To) {
		return "", Rejected(CodeInvalidAddress, fmt.Errorf("phone number %q is not E.164", msg.To))
	}
	if err := ctx.Err(); err != nil {
		return "", Transient(CodeTimeout, err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return "", classifyTwilio(err)
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}

func classifyTwilio(err error) error {
	var tw *twclient.TwilioRestError
	if !errors.As(err, &tw) {
		return Transient(CodeProviderError, fmt.Errorf("twilio: %w", err))
	}
	switch {
	case twilioInvalidNumber[tw.Code]:
		return Rejected(CodeInvalidAddress, fmt.Errorf("twilio %d: %s", tw.Code, tw.Message))
	case twilioUnsubscribed[tw.Code]:
		return Rejected(CodeUnsubscribed, fmt.Errorf("twilio %d: %s", tw.Code, tw.Message))
	case tw.Status == 429:
		return Transient(CodeRateLimited, fmt.Errorf("twilio %d: %s", tw.Code, tw.Message))
	default:
		return Transient(CodeProviderError, fmt.Errorf("twilio %d: %s", tw.Code, tw.Message))
	}
}
