// Package server hosts the Fiber HTTP service the control panel talks to. It
// installs the request-id and panic-recovery middleware, keeps the /-/
// diagnostics prefix out of the interception path, and hands every other
// request to the injected ProxyHandler. The shared upstream http.Client and
// header filtering used by the proxy and the sync replayer live here too.
package server
