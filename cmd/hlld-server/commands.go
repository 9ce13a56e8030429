package main

// commands creates the router and registers every command the server
// supports. set/bulk have single-letter aliases for high-volume feeders.
func (app *application) commands() *Router {
	router := NewRouter()

	// Set lifecycle
	router.Handle("create", app.handleCreate)
	router.Handle("drop", app.handleDrop)
	router.Handle("close", app.handleClose)
	router.Handle("clear", app.handleClear)

	// Key streaming
	router.Handle("set", app.handleSet)
	router.Handle("s", app.handleSet)
	router.Handle("bulk", app.handleBulk)
	router.Handle("b", app.handleBulk)

	// Introspection
	router.Handle("list", app.handleList)
	router.Handle("info", app.handleInfo)

	// Persistence
	router.Handle("flush", app.handleFlush)

	return router
}
