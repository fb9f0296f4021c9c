package telephony

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

// callUpdater is the part of the Twilio REST API used for call control
type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// TwilioCallControl ends and redirects live calls through the REST API
type TwilioCallControl struct {
	calls  callUpdater
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewTwilioCallControl creates call control for the given account
func NewTwilioCallControl(accountSID, authToken string, retry *resilience.RetryConfig, logger zerolog.Logger) *TwilioCallControl {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newCallControl(client.Api, retry, logger)
}

func newCallControl(calls callUpdater, retry *resilience.RetryConfig, logger zerolog.Logger) *TwilioCallControl {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &TwilioCallControl{
		calls:  calls,
		retry:  retry,
		logger: logger.With().Str("component", "call_control").Logger(),
	}
}

func (c *TwilioCallControl) update(ctx context.Context, callSID string, params *api.UpdateCallParams) error {
	return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		_, err := c.calls.UpdateCall(callSID, params)
		return err
	}, nil)
}

// Hangup completes the call
func (c *TwilioCallControl) Hangup(ctx context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if err := c.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("hangup %s: %w", callSID, err)
	}
	c.logger.Info().Str("call_sid", callSID).Msg("Call hung up")
	return nil
}

// Transfer redirects the live call to dial number
func (c *TwilioCallControl) Transfer(ctx context.Context, callSID, number string) error {
	params := &api.UpdateCallParams{}
	params.SetTwiml(DialTwiML(number))
	if err := c.update(ctx, callSID, params); err != nil {
		return fmt.Errorf("transfer %s: %w", callSID, err)
	}
	c.logger.Info().Str("call_sid", callSID).Str("to", number).Msg("Call transferred")
	return nil
}

// DialTwiML returns the instruction that bridges the caller to number
func DialTwiML(number string) string {
	var b bytes.Buffer
	b.WriteString("<Response><Dial>")
	xml.EscapeText(&b, []byte(number))
	b.WriteString("</Dial></Response>")
	return b.String()
}
