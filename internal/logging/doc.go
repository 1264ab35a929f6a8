// Package logging provides structured logging for the milestone coordinator.
//
// It wraps log/slog with a JSON handler so every line can be filtered after
// the fact by task, participant or signer. Child loggers carry persistent
// attributes:
//
//	logger, err := logging.NewLogger(dataDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	taskLog := logger.WithTask("T1").WithParticipant("client")
//	taskLog.Info("escrow locked", "amount", 100)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"escrow locked","task_id":"T1","participant":"client","amount":100}
//
// Long-running coordinators should use [NewLoggerWithRotation] so
// debug.log is rotated by size. Use [NopLogger] in tests.
//
// [ReadEntries] and [FilterEntries] load a log back for the `milestone logs`
// command.
package logging
