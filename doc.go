// Package tpcd exposes the Go APIs behind a two-phase commit coordinator
// service. A tpcd node coordinates cross-shard commits, records each decision
// in a durable coordinator log before participants are told, and recovers
// in-flight coordinators when another node takes over after a failover.
//
// # Running a server
//
// A node binds Config.Listen and stores its coordinator log in the backend
// named by Config.Store (mem://, disk:///path, s3://host/bucket, aws://bucket
// or azure://account/container).
//
//	cfg := tpcd.Config{
//	    Store:         "disk:///var/lib/tpcd",
//	    Listen:        ":9340",
//	    ParticipantID: "shard-a",
//	    Participants:  map[string]string{"shard-b": "http://10.0.0.2:9340"},
//	}
//	srv, err := tpcd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("tpcd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Failover
//
// Every coordinator-capable node sharing one Store competes for the lease
// object .ha/lease. The holder is primary: its catalog scans the coordinator
// log, recovers every document it finds and accepts coordinateCommit calls.
// The others answer not_primary with the primary's endpoint so clients can
// redirect. Losing the lease stops every local coordinator without touching
// its durable document; the next primary finishes the work.
//
// # Participants
//
// Config.ParticipantID serves an in-memory shard under /v1/participant. It
// stages writes, votes during prepare and applies decisions at the commit
// timestamp chosen by the coordinator. Remote participants are reached over
// HTTP through Config.Participants.
//
// # Embedding
//
// StartServer runs a node in the background and returns a stop function,
// which is how tests assemble multi-node failover groups on a shared
// in-memory backend:
//
//	backend := memory.New()
//	a, stopA, _ := tpcd.StartServer(ctx, cfgA, tpcd.WithBackend(backend))
//	b, stopB, _ := tpcd.StartServer(ctx, cfgB, tpcd.WithBackend(backend))
package tpcd
