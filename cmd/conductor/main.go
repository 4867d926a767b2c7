// Command conductor runs the asynchronous generation-request orchestration
// service: Intake, Router, Delivery, and the Event Tracker wired behind a
// single HTTP ingress. Grounded on example/cmd/assistant/main.go's
// flag-parse, wire-services, signal-handler, waitgroup-shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/delivery"
	"github.com/flowmesh/conductor/internal/deliverable"
	deliverableinmem "github.com/flowmesh/conductor/internal/deliverable/inmem"
	deliverablemongo "github.com/flowmesh/conductor/internal/deliverable/mongostore"
	"github.com/flowmesh/conductor/internal/events"
	eventsinmem "github.com/flowmesh/conductor/internal/events/inmem"
	eventsmongo "github.com/flowmesh/conductor/internal/events/mongostore"
	"github.com/flowmesh/conductor/internal/events/webhook"
	"github.com/flowmesh/conductor/internal/httpapi"
	"github.com/flowmesh/conductor/internal/intake"
	"github.com/flowmesh/conductor/internal/request"
	requestinmem "github.com/flowmesh/conductor/internal/request/inmem"
	requestmongo "github.com/flowmesh/conductor/internal/request/mongostore"
	"github.com/flowmesh/conductor/internal/router"
	"github.com/flowmesh/conductor/internal/router/temporalwf"
	"github.com/flowmesh/conductor/internal/schema"
	"github.com/flowmesh/conductor/internal/telemetry"
)

func main() {
	var (
		httpAddrF  = flag.String("http-addr", ":8080", "HTTP listen address")
		configF    = flag.String("config", "", "path to a YAML config file (defaults applied when empty)")
		mongoURIF  = flag.String("mongo-uri", "", "MongoDB connection URI; in-memory stores are used when empty")
		mongoDBF   = flag.String("mongo-database", "conductor", "MongoDB database name")
		temporalAddrF  = flag.String("temporal-address", "", "Temporal frontend address; the code task type dispatches locally when empty")
		temporalQueueF = flag.String("temporal-task-queue", "conductor-code", "Temporal task queue for code-execution workflows")
		debugF     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("load config: %w", err))
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	requestStore, deliverableStore, eventStore, closeStores := mustStores(ctx, *mongoURIF, *mongoDBF)
	defer closeStores()

	workflows := map[string]router.WorkflowDispatcher{}
	if *temporalAddrF != "" {
		tc, err := temporalclient.Dial(temporalclient.Options{HostPort: *temporalAddrF})
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("dial temporal: %w", err))
		}
		defer tc.Close()

		wd, err := temporalwf.New(temporalwf.Options{
			Client:       tc,
			TaskQueue:    *temporalQueueF,
			WorkflowName: "conductor.code_execution",
		})
		if err != nil {
			log.Fatal(ctx, fmt.Errorf("init temporal workflow dispatcher: %w", err))
		}
		workflows["code"] = wd
	}

	webhookDispatcher := webhook.New(eventStore, cfg.Webhook, logger, metrics)
	tracker := events.New(eventStore, webhookDispatcher, logger)

	rt := router.New(cfg, requestStore, workflows, tracker, logger, metrics, tracer)

	validator := schema.NewValidator()
	in := intake.New(cfg, requestStore, rt, validator, tracker, logger)
	del := delivery.New(requestStore, deliverableStore, rt, tracker, cfg.Quality, logger, metrics)

	reaper := router.NewReaper(rt, cfg.DispatchTick)

	pingers := map[string]httpapi.Pinger{
		"request_store":     requestStore,
		"deliverable_store": deliverableStore,
		"event_store":       eventStore,
	}
	server := httpapi.New(in, rt, del, tracker, eventStore, logger, pingers)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Run(ctx)
	}()

	reaper.Start(ctx)

	// Cold-start recovery: re-admit queued and processing rows left by a
	// prior crash before accepting new traffic (spec §4.5); pending rows are
	// not re-admitted.
	if err := restoreRouter(ctx, requestStore, rt); err != nil {
		log.Print(ctx, log.KV{K: "restore_error", V: err.Error()})
	}

	server.ListenAndServe(ctx, *httpAddrF, &wg, errc)
	log.Printf(ctx, "conductor listening on %q", *httpAddrF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	reaper.Stop()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// restoreRouter re-admits every queued and processing request into the
// router's in-memory queues after process start, per spec §4.5's
// cold-restart guarantee. Pending requests are not re-admitted.
func restoreRouter(ctx context.Context, store request.Store, rt *router.Router) error {
	var all []*request.Request
	for _, state := range []request.State{request.StateQueued, request.StateProcessing} {
		rows, err := store.ListByState(ctx, state)
		if err != nil {
			return fmt.Errorf("list requests in state %q: %w", state, err)
		}
		all = append(all, rows...)
	}
	if len(all) == 0 {
		return nil
	}
	return rt.Restore(ctx, all)
}

func mustStores(ctx context.Context, mongoURI, database string) (request.Store, deliverable.Store, events.Store, func()) {
	if mongoURI == "" {
		return requestinmem.New(), deliverableinmem.New(), eventsinmem.New(), func() {}
	}

	client, err := mongo.Connect(options.Client().ApplyURI(mongoURI))
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("connect to mongo: %w", err))
	}

	requestStore, err := requestmongo.New(requestmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init request store: %w", err))
	}
	deliverableStore, err := deliverablemongo.New(deliverablemongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init deliverable store: %w", err))
	}
	eventStore, err := eventsmongo.New(eventsmongo.Options{Client: client, Database: database})
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("init event store: %w", err))
	}

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(shutdownCtx)
	}
	return requestStore, deliverableStore, eventStore, closeFn
}
