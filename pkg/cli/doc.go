/*
Package cli provides helpers shared by the guardian command.

Output Formatting:

Commands render a *Table as aligned text, JSON or CSV:

	formatter := cli.NewFormatter(format)
	if err := formatter.FormatTo(os.Stdout, &cli.Table{Headers: headers, Rows: rows}); err != nil {
		return err
	}

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
	for range cli.ReloadSignals(ctx) {
		// reload plans and pricing
	}

Exit Codes:

ExitCode maps configuration errors to 2 and everything else to 1.
*/
package cli
