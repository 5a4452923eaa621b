/*
Package cli provides command-line helpers for the costguard command.

Output Formatting:

Commands print results as text, JSON or CSV. Tabular results use Table so
that every format can render them:

	format, err := cli.ParseFormat(flagValue)
	if err != nil {
		return err
	}
	table := cli.Table{
		Headers: []string{"ID", "KIND", "RETRIES"},
		Rows:    rows,
		Data:    entries,
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, table)

Errors:

Configuration problems are reported as *ConfigError and everything else as
*CommandError. ExitCode maps them to the process exit status.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
	// ctx is cancelled on SIGINT or SIGTERM

	reload, stopReload := cli.ReloadSignal()
	defer stopReload()
	// reload receives SIGHUP
*/
package cli
