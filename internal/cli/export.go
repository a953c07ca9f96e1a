package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/engagement-tracker/internal/export"
)

func (c *ExportCommand) Execute(_ []string) error {
	cfg, err := c.rt.config()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	exp, closeFn, err := c.rt.newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if c.Latest {
		snap, err := exp.Latest(ctx)
		if errors.Is(err, export.ErrNoSnapshot) {
			fmt.Fprintln(c.rt.out, "No snapshot exported yet")
			return nil
		}
		if err != nil {
			return err
		}
		if c.rt.globals.JSON {
			return writeJSON(c.rt.out, snap)
		}
		fmt.Fprintf(c.rt.out, "Latest snapshot: %s (%d campaigns)\n", snap.GeneratedAt.Format(time.RFC3339), snap.Count)
		for _, row := range snap.Campaigns {
			fmt.Fprintf(c.rt.out, "  %-36s sent=%d opens=%d clicks=%d unsubscribed=%d\n",
				row.CampaignID, row.SentCount, row.UniqueOpenedCount, row.UniqueClickedCount, row.UnsubscribedCount)
		}
		return nil
	}

	key, n, err := exp.Export(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.rt.out, "Exported %d campaigns to s3://%s/%s\n", n, cfg.Export.S3Bucket, key)
	return nil
}
