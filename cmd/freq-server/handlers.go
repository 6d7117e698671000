// handlers.go implements general utility commands.
//
// This file provides server-level commands that are not specific to the
// sketch type: PING, INFO, SAVE, DEL, and EXISTS.

package main

import (
	"fmt"
	"io"
	"strings"
)

// handlePing handles the PING command.
// Syntax: PING
//
// This is a standard liveness check used by clients to verify that the
// server connection is active and responsive.
func (app *application) handlePing(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "PING")
		return
	}

	_ = app.writeSimpleStringResponse(w, "PONG")
}

// handleInfo handles the INFO command.
// Syntax: INFO
//
// This command provides a text-based report of the server's internal state,
// statistics, and metrics. It is primarily used for monitoring and
// debugging purposes.
func (app *application) handleInfo(w io.Writer, args []string) {
	if len(args) > 0 {
		// Sections (e.g., "INFO CPU") are not supported, so we strictly
		// require zero arguments.
		app.wrongNumberOfArgsResponse(w, "INFO")
		return
	}

	// Counters use atomic loads; the active connection count is derived from
	// the current length of the semaphore channel, giving an instantaneous
	// view of concurrency.
	totalConns := app.metrics.TotalConnections.Load()
	totalCmds := app.metrics.TotalCommands.Load()
	totalSnaps := app.metrics.TotalSnapshots.Load()
	activeConns := len(app.connLimiter)

	// The response follows the standard Redis INFO format: CRLF-terminated
	// "key:value" lines grouped into # sections.
	var infoBuilder strings.Builder

	infoBuilder.WriteString("# Server\r\n")
	infoBuilder.WriteString(fmt.Sprintf("connections_total:%d\r\n", totalConns))
	infoBuilder.WriteString(fmt.Sprintf("connections_active:%d\r\n", activeConns))
	infoBuilder.WriteString(fmt.Sprintf("commands_processed_total:%d\r\n", totalCmds))

	infoBuilder.WriteString("# Persistence\r\n")
	infoBuilder.WriteString(fmt.Sprintf("snapshots_written_total:%d\r\n", totalSnaps))

	infoBuilder.WriteString("# Keyspace\r\n")
	infoBuilder.WriteString(fmt.Sprintf("keys:%d\r\n", app.store.Keys()))

	_ = app.writeBulkStringResponse(w, infoBuilder.String())
}

// handleSave handles the SAVE command.
// Syntax: SAVE
//
// Writes a snapshot of the whole store to the configured file before
// responding. Per-shard locks are only held while each shard is copied, so
// commands on other shards keep flowing during the disk write.
func (app *application) handleSave(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "SAVE")
		return
	}

	if app.config.snapshotFile == "" {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to save")
		return
	}

	if err := app.saveSnapshot(); err != nil {
		app.logger.Error("SAVE failed", "error", err)
		_ = app.writeErrorResponse(w, "ERR saving snapshot failed")
		return
	}

	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleDel handles the DEL command.
// Syntax: DEL key [key ...]
//
// Removes the specified keys from the store. Keys that do not exist are
// ignored. Returns the number of keys that were actually deleted.
func (app *application) handleDel(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "DEL")
		return
	}

	count := 0
	for _, key := range args {
		if app.store.Delete(key) {
			count++
		}
	}

	_ = app.writeIntegerResponse(w, count)
}

// handleExists handles the EXISTS command.
// Syntax: EXISTS key [key ...]
//
// Returns how many of the given keys exist, counting duplicates the way
// Redis does (EXISTS k k on an existing k returns 2).
func (app *application) handleExists(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "EXISTS")
		return
	}

	count := 0
	for _, key := range args {
		if app.store.Exists(key) {
			count++
		}
	}

	_ = app.writeIntegerResponse(w, count)
}
