package agent

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
)

// dumpInventory logs the owned set as a tabular snapshot, one row per
// container, so an operator reading the log sees the full state per tick
func (a *Agent) dumpInventory(ctx context.Context) {
	owned, err := a.inv.Owned(ctx, true)
	if err != nil {
		a.logger.Error().Err(err).Msg("Couldn't get container list")
		return
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "N\tID\tSTATE\tNAME\tPID")
	for i, c := range owned {
		pid := ""
		if insp, err := a.client.Inspect(ctx, c.ID); err == nil && insp.State != nil && insp.State.Pid != 0 {
			pid = strconv.Itoa(insp.State.Pid)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			i+1, shortID(c.ID), strings.ToLower(c.Status), c.Name, pid)
	}
	w.Flush()
	a.logger.Info().Msg("Container list:\n" + buf.String())
}
