package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config string `long:"config" env:"CONFIG_PATH" description:"Path to config file"`
	Server string `long:"server" env:"TRACKCTL_SERVER" description:"Tracking service base URL (default: tracking.base_url)"`
	APIKey string `long:"api-key" env:"API_KEY" description:"API key for /api routes (default: server.api_key)"`
	JSON   bool   `long:"json" description:"Output in JSON format"`
}

type campaignArg struct {
	CampaignID string `positional-arg-name:"campaign-id" required:"yes"`
}

// ShowCommand prints the stored analytics of a campaign.
type ShowCommand struct {
	Args campaignArg `positional-args:"yes"`

	rt *runtime
}

// RefreshCommand recomputes a campaign's analytics on the server.
type RefreshCommand struct {
	Args campaignArg `positional-args:"yes"`

	rt *runtime
}

// SendCommand registers a sent message and prints its tracking links.
type SendCommand struct {
	Campaign   string `long:"campaign" description:"Campaign ID" required:"yes"`
	Email      string `long:"email" description:"Recipient address" required:"yes"`
	ContactID  string `long:"contact" description:"Contact ID"`
	TrackingID string `long:"tracking-id" description:"Use this tracking ID instead of a generated one"`

	rt *runtime
}

// TokenEncodeCommand issues an unsubscribe token.
type TokenEncodeCommand struct {
	Email    string `long:"email" description:"Recipient address" required:"yes"`
	Campaign string `long:"campaign" description:"Campaign ID" required:"yes"`
	Secret   string `long:"secret" env:"UNSUBSCRIBE_SECRET" description:"Signing secret (default: unsubscribe.secret)"`
	URL      bool   `long:"url" description:"Print the full unsubscribe URL instead of the bare token"`

	rt *runtime
}

// TokenVerifyCommand checks an unsubscribe token against a recipient.
type TokenVerifyCommand struct {
	Token    string `long:"token" description:"Token to check" required:"yes"`
	Email    string `long:"email" description:"Recipient address" required:"yes"`
	Campaign string `long:"campaign" description:"Campaign ID" required:"yes"`
	Secret   string `long:"secret" env:"UNSUBSCRIBE_SECRET" description:"Signing secret (default: unsubscribe.secret)"`

	rt *runtime
}

// ExportCommand writes an analytics snapshot to S3, or reads back the latest.
type ExportCommand struct {
	Latest bool `long:"latest" description:"Print the most recent snapshot instead of writing one"`

	rt *runtime
}
