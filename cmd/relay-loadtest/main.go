// Command relay-loadtest drives a presence relay with simulated users.
//
//   - saturate: open N relay sessions and hold them
//   - fanout:   N users send position updates while an observer measures
//     how long each update takes to come back in a broadcast
//
// Usage:
//
//	relay-loadtest <command> [options]
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

	"github.com/google/uuid"

	"github.com/playa/presence/internal/loadstats"
	"github.com/playa/presence/internal/presence"
	"github.com/playa/presence/internal/relayclient"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "fanout":
		runFanout(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relay-loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N relay sessions and hold them")
	fmt.Println("  fanout      N users stream position updates; measures broadcast latency")
	fmt.Println()
	fmt.Println("Run 'relay-loadtest <command> -h' for command-specific options.")
}

// simUser is one simulated participant with its own presence store.
type simUser struct {
	store  *presence.Store
	client *relayclient.Client
}

// dial activates a relay session for a fresh uid and waits until the hello
// frame went out.
func dial(ctx context.Context, url string, timeout time.Duration, collector *loadstats.Collector) (*simUser, error) {
	store := presence.NewStore("load-" + uuid.NewString()[:8])
	client := relayclient.New(relayclient.Config{URL: url, DialTimeout: timeout}, store)

	start := time.Now()
	client.Activate(ctx)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !client.Connected() {
		select {
		case <-ctx.Done():
			client.Deactivate()
			return nil, ctx.Err()
		case <-deadline.C:
			client.Deactivate()
			return nil, fmt.Errorf("connect %s: timed out after %s", store.SelfUID(), timeout)
		case <-tick.C:
		}
	}
	collector.AddConnect(time.Since(start))
	return &simUser{store: store, client: client}, nil
}

// rampUp opens n sessions spread over ramp with at most concurrency dials in
// flight. It stops early when ctx is cancelled.
func rampUp(ctx context.Context, url string, n int, ramp time.Duration, concurrency int, collector *loadstats.Collector) []*simUser {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu    sync.Mutex
		users = make([]*simUser, 0, n)
		wg    sync.WaitGroup
		sem   = make(chan struct{}, concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	progress := time.NewTicker(time.Second)
	defer progress.Stop()

launch:
	for launched := 0; launched < n; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-progress.C:
			fmt.Printf("  [ramp] sessions: %d/%d  errors: %d\n",
				collector.ConnectionCount(), n, collector.ErrorCount())
		case <-ticker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				u, err := dial(ctx, url, 10*time.Second, collector)
				if err != nil {
					collector.AddError()
					return
				}
				mu.Lock()
				users = append(users, u)
				mu.Unlock()
			}()
		}
	}
	wg.Wait()
	return users
}

func closeAll(users []*simUser) {
	fmt.Printf("Closing %d sessions...\n", len(users))
	for _, u := range users {
		u.client.Deactivate()
	}
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", relayclient.DefaultURL, "relay endpoint")
	sessions := fs.Int("sessions", 1000, "number of relay sessions to open")
	ramp := fs.Duration("ramp", 10*time.Second, "ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all sessions are open")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous dials during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d sessions to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*sessions, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	users := rampUp(ctx, *url, *sessions, *ramp, *concurrency, collector)
	fmt.Printf("Ramp-up complete: %d/%d sessions (%d errors)\n", len(users), *sessions, collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				alive := 0
				for _, u := range users {
					if u.client.Connected() {
						alive++
					}
				}
				fmt.Printf("  [hold] connected: %d/%d\n", alive, len(users))
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(users)
	collector.Report(os.Stdout)
}

func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	url := fs.String("url", relayclient.DefaultURL, "relay endpoint")
	users := fs.Int("users", 100, "number of simulated users sending updates")
	rate := fs.Duration("interval", time.Second, "update interval per user")
	duration := fs.Duration("duration", 30*time.Second, "how long users keep sending")
	ramp := fs.Duration("ramp", 5*time.Second, "ramp-up duration")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous dials during ramp-up")
	fs.Parse(args)

	fmt.Printf("Fan-out test: %d users to %s (interval=%s, duration=%s)\n", *users, *url, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()

	observer, err := dial(ctx, *url, 10*time.Second, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observer: %v\n", err)
		os.Exit(1)
	}
	defer observer.client.Deactivate()

	// Heartbeats are unix milliseconds stamped at send time, so each new
	// heartbeat seen for a uid is one delivered update.
	var seenMu sync.Mutex
	seen := make(map[string]int64)
	observer.client.OnBroadcast(func(changed bool) {
		if !changed {
			return
		}
		now := time.Now().UnixMilli()
		seenMu.Lock()
		defer seenMu.Unlock()
		for uid, st := range observer.store.Snapshot() {
			hb := st.Heartbeat()
			if hb == 0 || hb <= seen[uid] {
				continue
			}
			seen[uid] = hb
			collector.AddFanout(time.Duration(now-hb) * time.Millisecond)
		}
	})

	fmt.Println("\n--- Ramp-up phase ---")
	senders := rampUp(ctx, *url, *users, *ramp, *concurrency, collector)
	fmt.Printf("Ramp-up complete: %d/%d users\n", len(senders), *users)

	fmt.Println("\n--- Update phase ---")
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i, u := range senders {
		wg.Add(1)
		go func(i int, u *simUser) {
			defer wg.Done()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			var step float64
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					step++
					st := presenceUpdate(float64(i), step, time.Now())
					if err := u.client.SendUpdatedState(st); err != nil {
						collector.AddError()
						continue
					}
					collector.AddUpdate()
				}
			}
		}(i, u)
	}
	wg.Wait()

	// Let the last flush reach the observer.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("\n--- Cleanup ---")
	closeAll(senders)
	collector.Report(os.Stdout)
}
