package unsubscribe

import "errors"

// Sentinel errors for the unsubscribe service layer. Token rejections are
// reported with the codec's own errors (ErrMalformed, ErrMismatch, ErrExpired).
var (
	ErrMissingParams    = errors.New("token, email and campaign are required")
	ErrCampaignNotFound = errors.New("campaign not found")
)
