// Command lock_recovery_crash drills task-lock recovery after a worker dies
// while holding a chain lock. Run prepare, then claim-sleep and kill it with
// SIGKILL, then recover.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/stackrun/internal/persistence"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	taskRunID := flag.String("task-run", "", "task run id printed by prepare")
	staleAfter := flag.Duration("stale-after", time.Second, "lock age recover may reclaim")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}
	if *mode != "prepare" && *taskRunID == "" {
		fmt.Fprintln(os.Stderr, "task-run is required for", *mode)
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		id, rootID, err := store.CreateTaskRun(ctx, persistence.NewTaskRun{
			TaskName: "echo",
			Input:    json.RawMessage(`{"value":"lock-crash"}`),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task run: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_RUN_ID=%s\n", id)
		fmt.Printf("ROOT_STACK_RUN_ID=%s\n", rootID)
	case "claim-sleep":
		const owner = "crash-worker"
		ok, err := store.AcquireTaskLock(ctx, *taskRunID, owner, 0)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "acquire lock: ok=%v err=%v\n", ok, err)
			os.Exit(1)
		}
		root, err := store.RootStackRun(ctx, *taskRunID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "root frame: %v\n", err)
			os.Exit(1)
		}
		if ok, err := store.ClaimStackRun(ctx, root.ID, persistence.StackRunPending); err != nil || !ok {
			fmt.Fprintf(os.Stderr, "claim root: ok=%v err=%v\n", ok, err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_STACK_RUN_ID=%s\n", root.ID)
		fmt.Printf("LOCK_OWNER=%s\n", owner)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		held, err := store.GetTaskLock(ctx, *taskRunID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get lock: %v\n", err)
			os.Exit(1)
		}
		if held != nil {
			fmt.Printf("HELD_LOCK owner=%s locked_at=%s\n", held.LockedBy, held.LockedAt.Format(time.RFC3339Nano))
		}
		time.Sleep(*staleAfter)
		const owner = "recovery-worker"
		ok, err := store.AcquireTaskLock(ctx, *taskRunID, owner, *staleAfter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reclaim lock: %v\n", err)
			os.Exit(1)
		}
		stuck, err := store.ListStaleStackRuns(ctx, []persistence.StackRunStatus{persistence.StackRunProcessing}, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "list stale frames: %v\n", err)
			os.Exit(1)
		}
		for _, f := range stuck {
			fmt.Printf("STUCK_FRAME id=%s status=%s (the watchdog fails these)\n", f.ID, f.Status)
		}
		if ok {
			_, _ = store.ReleaseTaskLock(ctx, *taskRunID, owner)
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: stale lock was not reclaimed")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
