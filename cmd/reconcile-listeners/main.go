// Command reconcile-listeners recounts listener totals against live
// connection records and corrects drifted counters. The server runs the
// same sweep periodically on the elected leader; this tool exists for
// one-off runs after incidents and for inspecting drift without writing.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/app"
	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/redis"
)

func main() {
	var (
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		dryRun   = flag.Bool("dry-run", false, "Report drift without correcting counters")
		verbose  = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *redisURL == "" {
		log.Fatal("Redis URL required (--redis or REDIS_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	client, err := redis.NewClient(*redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	clock := clockwork.NewRealClock()
	sessions := redis.NewSessionRepo(client, clock)
	conns := redis.NewConnectionRepo(client, clock)

	if *dryRun {
		if err := reportDrift(ctx, sessions, conns); err != nil {
			log.Fatalf("Drift report failed: %v", err)
		}
		return
	}

	reconciler := app.NewReconciler(sessions, conns, nil, clock, 0)
	stats, err := reconciler.Reconcile(ctx)
	if err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}
	slog.Info("Reconciliation complete", "scanned", stats.Scanned, "corrected", stats.Corrected)
}

// reportDrift recounts without pruning or writing, so repeated dry runs
// observe the same state.
func reportDrift(ctx context.Context, sessions domain.SessionRepository, conns domain.ConnectionRepository) error {
	ids, err := sessions.ListActiveIDs(ctx)
	if err != nil {
		return err
	}

	drifted := 0
	for _, id := range ids {
		live, err := countLive(ctx, conns, id)
		if err != nil {
			return err
		}

		session, err := sessions.Get(ctx, id)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if session.ListenerCount != live {
			drifted++
			slog.Info("Counter drift detected",
				"session_id", id,
				"stored", session.ListenerCount,
				"live", live)
		} else {
			slog.Debug("Counter matches", "session_id", id, "count", live)
		}
	}

	slog.Info("Drift report complete", "scanned", len(ids), "drifted", drifted)
	return nil
}

func countLive(ctx context.Context, conns domain.ConnectionRepository, sessionID string) (int64, error) {
	languages, err := conns.LanguagesForSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	var live int64
	for _, lang := range languages {
		connIDs, err := conns.ConnectionsForSessionAndLanguage(ctx, sessionID, lang)
		if err != nil {
			return 0, err
		}
		for _, connID := range connIDs {
			_, err := conns.Get(ctx, connID)
			if errors.Is(err, domain.ErrConnectionNotFound) {
				// Record reclaimed by TTL but index entry still present.
				// The real sweep prunes these; the dry run only counts.
				continue
			}
			if err != nil {
				return 0, err
			}
			live++
		}
	}
	return live, nil
}
