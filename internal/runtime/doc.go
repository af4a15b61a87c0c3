// Package runtime wires storage, config, and the dispatch pipeline into a
// single-node Courier instance. It exposes Open/Start/Close, basic health
// checks, and accessors used by the HTTP server and CLI.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Carrier.Endpoint = "https://gateway.example/hook"
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.Start(context.Background())
//	id, _ := rt.Service().Submit(context.Background(), "alice", "+15550100", []byte("hello"))
package runtime
