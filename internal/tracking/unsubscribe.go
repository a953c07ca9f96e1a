package tracking

import (
	"context"
	"errors"
	"html/template"
	"net/http"

	"github.com/ignite/engagement-tracker/internal/metrics"
	"github.com/ignite/engagement-tracker/internal/pkg/logger"
	unsubsvc "github.com/ignite/engagement-tracker/internal/service/unsubscribe"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;color:#333;">
<h1 style="color:{{if .OK}}#2e7d32{{else}}#c62828{{end}};">{{.Title}}</h1>
<p>{{.Message}}</p>
</body></html>`))

type pageData struct {
	OK      bool
	Title   string
	Message string
}

// HandleUnsubscribe validates the link and records the opt-out. It always
// answers with an HTML page; failures get a failure-styled page and a 4xx or
// 5xx status.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if h.unsubscribe == nil {
		renderPage(w, http.StatusServiceUnavailable, pageData{
			Title:   "Unsubscribe unavailable",
			Message: "We could not process your request right now. Please try again later.",
		})
		return
	}

	var (
		result *unsubsvc.Result
		reject error
	)
	outcome := h.runGuarded(r, "unsubscribe", func(ctx context.Context, in hit) (string, error) {
		res, err := h.unsubscribe.Unsubscribe(ctx, unsubsvc.Request{
			Token:      in.query.Get("token"),
			Email:      in.query.Get("email"),
			CampaignID: in.query.Get("campaign"),
		})
		var tokErr *tokens.TokenError
		switch {
		case err == nil:
			result = res
			if res.AlreadyUnsubscribed {
				return "already_unsubscribed", nil
			}
			return OutcomeRecorded, nil
		case errors.Is(err, unsubsvc.ErrMissingParams):
			reject = err
			return "missing_params", nil
		case errors.As(err, &tokErr):
			reject = err
			return "token_" + string(tokErr.Kind), nil
		default:
			return OutcomeError, err
		}
	})
	metrics.UnsubscribeRequests.WithLabelValues(outcome).Inc()

	setTrackingHeaders(w)
	// After a timeout the processor may still be running, so its captures
	// are not read.
	var (
		shown    *unsubsvc.Result
		rejected error
	)
	if outcome != OutcomeTimeout {
		shown, rejected = result, reject
	}
	switch {
	case shown != nil:
		msg := "You will no longer receive emails from " + shown.CampaignName + "."
		if shown.AlreadyUnsubscribed {
			msg = "You were already unsubscribed from " + shown.CampaignName + "."
		}
		renderPage(w, http.StatusOK, pageData{OK: true, Title: "You have been unsubscribed", Message: msg})
	case rejected != nil:
		logger.Info("unsubscribe rejected", "outcome", outcome, "reason", rejected.Error())
		renderPage(w, http.StatusBadRequest, pageData{Title: "Invalid unsubscribe link", Message: rejectMessage(rejected)})
	default:
		renderPage(w, http.StatusInternalServerError, pageData{
			Title:   "Something went wrong",
			Message: "We could not process your request right now. Please try again later.",
		})
	}
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, tokens.ErrExpired):
		return "This unsubscribe link has expired. Please use the link from a more recent email."
	case errors.Is(err, unsubsvc.ErrMissingParams):
		return "This unsubscribe link is incomplete."
	default:
		return "This unsubscribe link is not valid."
	}
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := unsubscribePage.Execute(w, data); err != nil {
		logger.Error("render unsubscribe page", "error", err.Error())
	}
}
