package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/ignite/engagement-tracker/internal/domain"
)

type analyticsView struct {
	domain.CampaignAnalytics
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

func (c *ShowCommand) Execute(_ []string) error {
	return fetchAnalytics(c.rt, http.MethodGet, c.Args.CampaignID, "")
}

func (c *RefreshCommand) Execute(_ []string) error {
	return fetchAnalytics(c.rt, http.MethodPost, c.Args.CampaignID, "/refresh")
}

func fetchAnalytics(rt *runtime, method, campaignID, suffix string) error {
	api, err := rt.api()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var v analyticsView
	path := "/api/campaigns/" + url.PathEscape(campaignID) + "/analytics" + suffix
	if err := api.call(ctx, method, path, nil, &v); err != nil {
		return err
	}
	if rt.globals.JSON {
		return writeJSON(rt.out, v)
	}
	printAnalytics(rt.out, v)
	return nil
}

func printAnalytics(w io.Writer, v analyticsView) {
	fmt.Fprintf(w, "Campaign %s\n", v.CampaignID)
	fmt.Fprintf(w, "  Sent:          %d\n", v.SentCount)
	fmt.Fprintf(w, "  Delivered:     %d\n", v.DeliveredCount)
	fmt.Fprintf(w, "  Opens:         %d (%d unique, %.1f%%)\n", v.OpenedCount, v.UniqueOpenedCount, v.OpenRate)
	fmt.Fprintf(w, "  Clicks:        %d (%d unique, %.1f%%)\n", v.ClickedCount, v.UniqueClickedCount, v.ClickRate)
	fmt.Fprintf(w, "  Bounced:       %d\n", v.BouncedCount)
	fmt.Fprintf(w, "  Complaints:    %d\n", v.ComplainedCount)
	fmt.Fprintf(w, "  Unsubscribed:  %d\n", v.UnsubscribedCount)
	if v.LastEventAt != nil {
		fmt.Fprintf(w, "  Last event:    %s\n", v.LastEventAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "  Last event:    never\n")
	}
	if !v.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "  Updated:       %s\n", v.UpdatedAt.UTC().Format(time.RFC3339))
	}
}

type sendRequest struct {
	CampaignID string `json:"campaign_id"`
	Email      string `json:"email"`
	ContactID  string `json:"contact_id,omitempty"`
	TrackingID string `json:"tracking_id,omitempty"`
}

type sendResponse struct {
	TrackingID     string `json:"tracking_id"`
	PixelURL       string `json:"pixel_url,omitempty"`
	UnsubscribeURL string `json:"unsubscribe_url,omitempty"`
}

func (c *SendCommand) Execute(_ []string) error {
	api, err := c.rt.api()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var resp sendResponse
	err = api.call(ctx, http.MethodPost, "/api/sends", sendRequest{
		CampaignID: c.Campaign,
		Email:      c.Email,
		ContactID:  c.ContactID,
		TrackingID: c.TrackingID,
	}, &resp)
	if err != nil {
		return err
	}
	if c.rt.globals.JSON {
		return writeJSON(c.rt.out, resp)
	}
	fmt.Fprintf(c.rt.out, "Tracking ID:  %s\n", resp.TrackingID)
	if resp.PixelURL != "" {
		fmt.Fprintf(c.rt.out, "Pixel:        %s\n", resp.PixelURL)
	}
	if resp.UnsubscribeURL != "" {
		fmt.Fprintf(c.rt.out, "Unsubscribe:  %s\n", resp.UnsubscribeURL)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
