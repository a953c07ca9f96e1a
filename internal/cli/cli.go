// Package cli implements trackctl, the operator tool for the engagement
// tracker: inspecting and refreshing campaign analytics, registering test
// sends, issuing unsubscribe tokens and exporting snapshots.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	goflags "github.com/jessevdk/go-flags"

	"github.com/ignite/engagement-tracker/internal/app"
	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/export"
	"github.com/ignite/engagement-tracker/internal/pkg/httpretry"
)

// runtime is shared by every command of one invocation.
type runtime struct {
	globals *GlobalFlags
	out     io.Writer
	doer    httpretry.HTTPDoer
	cfg     *config.Config

	// newExporter opens the storage backend and S3 client. The returned
	// func releases them.
	newExporter func(ctx context.Context, cfg *config.Config) (*export.Exporter, func(), error)
}

func (rt *runtime) config() (*config.Config, error) {
	if rt.cfg != nil {
		return rt.cfg, nil
	}
	path := rt.globals.Config
	if path == "" {
		path = app.ConfigPath()
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt.cfg = cfg
	return cfg, nil
}

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Show        *ShowCommand
	Refresh     *RefreshCommand
	Send        *SendCommand
	TokenEncode *TokenEncodeCommand
	TokenVerify *TokenVerifyCommand
	Export      *ExportCommand
}

func buildParser(rt *runtime) (*goflags.Parser, *commands) {
	parser := goflags.NewParser(rt.globals, goflags.Default)
	parser.Name = "trackctl"
	parser.LongDescription = "Operator tool for the email engagement tracker."

	cmds := &commands{
		Show:        &ShowCommand{rt: rt},
		Refresh:     &RefreshCommand{rt: rt},
		Send:        &SendCommand{rt: rt},
		TokenEncode: &TokenEncodeCommand{rt: rt},
		TokenVerify: &TokenVerifyCommand{rt: rt},
		Export:      &ExportCommand{rt: rt},
	}

	parser.AddCommand("show", "Show campaign analytics", "Print the stored analytics row of a campaign with its open and click rates.", cmds.Show)
	parser.AddCommand("refresh", "Recompute campaign analytics", "Rebuild a campaign's analytics from its events on the server.", cmds.Refresh)
	parser.AddCommand("send", "Register a send", "Record the sent event for one message and print its pixel and unsubscribe links.", cmds.Send)

	token, _ := parser.AddCommand("token", "Unsubscribe tokens", "Issue or check signed unsubscribe tokens.", &struct{}{})
	token.AddCommand("encode", "Issue a token", "Issue an unsubscribe token for a recipient and campaign.", cmds.TokenEncode)
	token.AddCommand("verify", "Check a token", "Check a token against a recipient and campaign and report why it is rejected.", cmds.TokenVerify)

	parser.AddCommand("export", "Export analytics to S3", "Write a snapshot of every campaign's analytics to the configured bucket.", cmds.Export)

	return parser, cmds
}

// Run is the main entry point for trackctl using os.Args.
func Run() error {
	return RunWithArgs(os.Args[1:], os.Stdout)
}

// RunWithArgs parses args and executes the matched subcommand, writing its
// output to out.
func RunWithArgs(args []string, out io.Writer) error {
	rt := &runtime{globals: &GlobalFlags{}, out: out, newExporter: openExporter}
	return run(rt, args)
}

func run(rt *runtime, args []string) error {
	parser, _ := buildParser(rt)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok && flagsErr.Type == goflags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

func openExporter(ctx context.Context, cfg *config.Config) (*export.Exporter, func(), error) {
	if cfg.Export.S3Bucket == "" {
		return nil, nil, fmt.Errorf("export bucket not configured (set EXPORT_S3_BUCKET)")
	}
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	exp, err := export.NewS3Exporter(ctx, cfg.Export.S3Bucket, cfg.Export.S3Prefix, cfg.Export.AWSRegion, stores.Rows)
	if err != nil {
		stores.Close()
		return nil, nil, err
	}
	return exp, stores.Close, nil
}
