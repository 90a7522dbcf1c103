// Package server hosts the Fiber HTTP service and its request middleware
// chain. Every non-diagnostics request carries a request ID and is handed to
// the injected ProxyHandler, which lets the active offline cache manager
// intercept it. Diagnostics routes under /-/ are registered separately by the
// routes package, so keep exports narrow and accept explicit dependencies.
package server
