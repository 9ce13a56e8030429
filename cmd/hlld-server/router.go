package main

import (
	"io"
	"strings"
)

// CommandHandler is the signature of a command handler. Handlers write
// their reply to w, which is the connection's buffered writer.
type CommandHandler func(w io.Writer, args []string)

// Router maps command verbs to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]CommandHandler),
	}
}

// Handle registers a handler. Verbs are matched case-insensitively.
func (r *Router) Handle(name string, handler CommandHandler) {
	r.handlers[strings.ToLower(name)] = handler
}

// Dispatch routes one parsed command line to its handler.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}

	commandsTotal.Inc()

	handler, found := r.handlers[strings.ToLower(parts[0])]
	if !found {
		_, _ = w.Write(respCmdNotSupported)
		return
	}

	handler(w, parts[1:])
}
