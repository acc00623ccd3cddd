package wopr

import "log/slog"

// Option configures a Client at construction time.
type Option func(*clientConfig)

type clientConfig struct {
	configPath string
	source     Source
	log        *slog.Logger
}

// WithConfig points the client at a security.json document. Without it
// the client enforces the built-in default policy.
func WithConfig(path string) Option {
	return func(c *clientConfig) { c.configPath = path }
}

// WithSource sets the default source used by Wrap and Middleware when
// no per-call source is given.
func WithSource(src Source) Option {
	return func(c *clientConfig) { c.source = src }
}

// WithLogger sets the logger for resolution warnings and warn-mode
// notices. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *clientConfig) { c.log = log }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	source  *Source
	session string
}

// WrapWithSource overrides the client's default source for this
// wrapped tool.
func WrapWithSource(src Source) WrapOption {
	return func(w *wrapConfig) { w.source = &src }
}

// WrapWithSession names the session the tool runs in. Policy is
// resolved against it and denials carry it.
func WrapWithSession(session string) WrapOption {
	return func(w *wrapConfig) { w.session = session }
}
