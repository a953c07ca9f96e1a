package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/ignite/engagement-tracker/internal/tracking"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

func (rt *runtime) codec(secret string) (*tokens.Codec, error) {
	cfg, err := rt.config()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret = cfg.Unsubscribe.Secret
	}
	if secret == "" {
		return nil, errors.New("no signing secret: pass --secret or set UNSUBSCRIBE_SECRET")
	}
	return tokens.NewCodec(secret, cfg.Unsubscribe.Validity()), nil
}

func (c *TokenEncodeCommand) Execute(_ []string) error {
	codec, err := c.rt.codec(c.Secret)
	if err != nil {
		return err
	}
	if c.URL {
		base := c.rt.globals.Server
		if base == "" {
			base = c.rt.cfg.Tracking.BaseURL
		}
		link, err := tracking.NewLinkBuilder(base, codec).UnsubscribeURL(c.Email, c.Campaign)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.rt.out, link)
		return nil
	}
	token, err := codec.Encode(tokens.Claims{Email: c.Email, CampaignID: c.Campaign})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.rt.out, token)
	return nil
}

func (c *TokenVerifyCommand) Execute(_ []string) error {
	codec, err := c.rt.codec(c.Secret)
	if err != nil {
		return err
	}
	claims, err := codec.Validate(c.Token, c.Email, c.Campaign, time.Now())
	if err != nil {
		var te *tokens.TokenError
		if errors.As(err, &te) {
			fmt.Fprintf(c.rt.out, "REJECTED (%s)\n", te.Kind)
		}
		return err
	}
	fmt.Fprintf(c.rt.out, "VALID for %s on campaign %s, issued %s\n",
		claims.Email, claims.CampaignID, claims.IssuedAt.Format(time.RFC3339))
	return nil
}
