// Package proxy intercepts outgoing HTTP requests and serves them under caching
// strategies backed by versioned cache generations.
//
// Transport is an http.RoundTripper. It classifies each request (first match wins):
//
//  1. scheme other than http or https: passthrough
//  2. path containing the bypass segment: passthrough
//  3. method other than GET: passthrough
//  4. path under a data prefix: network-first against the data generation
//  5. path under a static prefix or with a static extension: cache-first against the
//     static generation
//  6. navigation (Sec-Fetch-Mode: navigate or Accept text/html): network, falling
//     back to the offline shell
//  7. anything else: passthrough
//
// Worker owns the lifecycle of a cache version. Start installs the shell manifest
// into a fresh static generation, activates it by deleting every generation the
// current version does not name, and then claims the Transport so new requests are
// served from the new generations. After that the worker runs a mailbox loop that
// turns background sync messages into outbox drains:
//
//	transport := proxy.NewTransport(http.DefaultTransport, routes)
//	worker := proxy.NewWorker(workerCfg, storage, transport, http.DefaultTransport, drainer)
//	if err := worker.Start(ctx); err != nil {
//		// the previous version keeps serving
//	}
//	client := &http.Client{Transport: transport}
//	worker.Sync("sync-outbox")
package proxy
