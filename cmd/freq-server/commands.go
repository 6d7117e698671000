package main

// commands creates a new router and registers all the application's command handlers.
// This is the single source of truth for what commands the server supports.
func (app *application) commands() *Router {
	router := NewRouter()

	// Generic Commands
	router.Handle("PING", app.handlePing)
	router.Handle("DEL", app.handleDel)
	router.Handle("EXISTS", app.handleExists)

	// Persistence Control
	router.Handle("SAVE", app.handleSave)

	// Metrics
	router.Handle("INFO", app.handleInfo)

	// Frequent Items
	router.Handle("FREQ.RESERVE", app.handleFreqReserve)
	router.Handle("FREQ.ADD", app.handleFreqAdd)
	router.Handle("FREQ.INCRBY", app.handleFreqIncrBy)
	router.Handle("FREQ.COUNT", app.handleFreqCount)
	router.Handle("FREQ.RANGE", app.handleFreqRange)
	router.Handle("FREQ.LIST", app.handleFreqList)
	router.Handle("FREQ.MERGE", app.handleFreqMerge)
	router.Handle("FREQ.INFO", app.handleFreqInfo)
	router.Handle("FREQ.RESET", app.handleFreqReset)

	return router
}
