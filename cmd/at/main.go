// Command at wires and runs a CommonTools runtime: a persisted fact/branch
// store, the transaction processor, schema pool and evaluator, the
// subscription engine, the scheduler, a recipe runner, and — when
// configured — cluster coordination across replicas.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/cell"
	"github.com/commontoolsinc/runtime/internal/cluster"
	"github.com/commontoolsinc/runtime/internal/config"
	"github.com/commontoolsinc/runtime/internal/crypto"
	"github.com/commontoolsinc/runtime/internal/runner"
	"github.com/commontoolsinc/runtime/internal/runtime"
	"github.com/commontoolsinc/runtime/internal/scheduler"
	"github.com/commontoolsinc/runtime/internal/schema"
	"github.com/commontoolsinc/runtime/internal/store"
	"github.com/commontoolsinc/runtime/internal/subscription"
	"github.com/commontoolsinc/runtime/internal/txn"
)

var (
	name    = "at"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	clus, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}

	var locker txn.Locker
	if clus != nil {
		locker = clus
	}

	branches := branch.NewEngine(backend, branch.DefaultSnapshotPolicy)
	pool := schema.NewPool()
	evaluator := schema.NewEvaluator(pool, 0)
	sched := scheduler.New()
	signer := runtime.NewAnonymousSigner("")

	var rt *runtime.Runtime

	onCommit := func(ctx context.Context, space, branchName string, newHeads []string) {
		if clus == nil {
			return
		}
		if err := clus.BroadcastHeadsAdvanced(ctx, space, branchName, newHeads); err != nil {
			slog.Warn("broadcast heads advanced", "space", space, "branch", branchName, "error", err)
		}
	}
	processor := txn.New(branches, backend, locker, onCommit)

	resolvers := subscription.ResolverFactory(func(space, br string) schema.Resolver {
		return cell.NewDocResolver(rt, space, br)
	})
	subs := subscription.NewEngine(pool, evaluator, resolvers)

	rt = runtime.New(backend, branches, processor, pool, evaluator, subs, sched, signer)

	if cfg.Store.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
		rt.EncryptionKey = key
	}

	if clus != nil {
		// A peer's heads-advanced broadcast only names the new head set,
		// not which documents or paths changed, so it cannot be turned
		// into a subscription.Delta directly; a replica relies on its own
		// local commits (via cell.CommitDocument) to drive re-evaluation,
		// and treats this purely as a signal that its cached reads for
		// the named branch are stale.
		onHeadsAdvanced := func(space, branchName string, heads []string) {
			slog.Debug("cluster: peer advanced heads", "space", space, "branch", branchName, "heads", heads)
		}
		go func() {
			if err := clus.Start(ctx, onHeadsAdvanced); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer clus.Stop() //nolint:errcheck

		select {
		case <-clus.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	exists, err := backend.BranchExists(ctx, cfg.DefaultSpace, cell.MainBranch)
	if err != nil {
		return fmt.Errorf("check default space branch: %w", err)
	}
	if !exists {
		if err := rt.Branches.CreateBranch(ctx, cfg.DefaultSpace, cell.MainBranch, ""); err != nil {
			return fmt.Errorf("create default space branch: %w", err)
		}
	}

	registry := runner.NewRegistry()
	_ = runner.New(rt, registry)

	slog.Info("runtime ready", "space", cfg.DefaultSpace, "server", cfg.Server.Host+":"+cfg.Server.Port)

	<-ctx.Done()
	return rt.Idle(context.Background())
}
