// Package durarun is a durable agent run engine on PostgreSQL.
//
// A run is one agent task executed as a sequence of model turns and tool
// calls. Everything a run does is recorded in an append-only per-run
// journal; the journal is the source of truth, so a crashed run resumes
// from its last completed step instead of starting over, and a client can
// replay a run's history and then follow it live over SSE.
//
// Durarun is opinionated: Anthropic models, PostgreSQL via pgx, one
// process model. Instances sharing a database coordinate through run
// claiming, LISTEN/NOTIFY wakeups, and leader election for singleton
// maintenance work.
//
// # Quick Start
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	client, err := durarun.NewClient(pool, &durarun.ClientConfig{
//	    DefaultModel: "claude-sonnet-4-5-20250929",
//	    Agents: []engine.AgentDefinition{{
//	        Kind:         "assistant",
//	        SystemPrompt: "You are a helpful assistant.",
//	    }},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	sess, _ := client.CreateSession(ctx, "user-123", "assistant")
//	run, _ := client.StartRun(ctx, sess.ID, "Summarize the quarterly report")
//	final, _ := client.WaitForRun(ctx, run.ID)
//
// # Tools and Approvals
//
// Tools implement tool.Tool. A tool marked gated does not execute until a
// human approves it: the run suspends, the proposal is journaled, and
// Resume (or the HTTP resume endpoint) settles it. Pending approvals time
// out as rejections after ClientConfig.ApprovalMaxAge.
//
//	client.RegisterTool(tool.NewGatedFuncTool("send_email", "Send an email",
//	    schema, sendEmail))
//
// # HTTP Surface
//
// Client.Handler serves sessions, runs, resume/cancel, and per-run SSE
// streams with replay from a sequence cursor:
//
//	http.ListenAndServe(":8080", client.Handler())
package durarun
