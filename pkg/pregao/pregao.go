// Package pregao provides the public API for embedding the dispute session
// service. This is the stable API for external consumers.
package pregao

import (
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/runtime"
)

// Server is the main entry point for running the dispute service.
// See internal/runtime.Server for full documentation.
type Server = runtime.Server

// Option is a functional option for configuring a Server.
type Option = runtime.Option

// New creates a new Server with the given options.
// Example:
//
//	srv, err := pregao.New(
//	    pregao.WithFileConfig("config.yaml"),
//	    pregao.WithSQLite("./data/pregao.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig

	// Storage
	WithSQLite        = runtime.WithSQLite
	WithPostgres      = runtime.WithPostgres
	WithMemoryStorage = runtime.WithMemoryStorage

	// Notifications
	WithDirectNotifier  = runtime.WithDirectNotifier
	WithWebhookNotifier = runtime.WithWebhookNotifier

	// Advanced options
	WithLogger           = runtime.WithLogger
	WithClock            = runtime.WithClock
	WithConfigProvider   = runtime.WithConfigProvider
	WithIdentityProvider = runtime.WithIdentityProvider
	WithStore            = runtime.WithStore
	WithNotifier         = runtime.WithNotifier
)
