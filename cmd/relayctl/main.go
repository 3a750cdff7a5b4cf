// Command relayctl inspects and repairs the trigger queues of relayd and can
// publish triggers by hand.
//
//	relayctl counts [queue...]
//	relayctl list <queue> <pending|active|delayed|dead>
//	relayctl requeue <queue> <trigger-id>
//	relayctl download <task-id>
//	relayctl batch <group-id> [task-id...]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/UniQw/mediarelay"
	"github.com/UniQw/mediarelay/internal/queue"
)

var errUsage = errors.New("usage: relayctl counts|list|requeue|download|batch ...")

func main() {
	addr := getenv("REDIS_ADDR", "127.0.0.1:6379")
	pass := getenv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: pass})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, rdb, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rdb redis.UniversalClient, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	ins := mediarelay.NewInspector(rdb)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "counts":
		queues := rest
		if len(queues) == 0 {
			queues = []string{mediarelay.JobDownload, mediarelay.JobUpload, mediarelay.JobBatch}
		}
		for _, q := range queues {
			c, err := ins.Counts(ctx, q)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s pending=%d active=%d delayed=%d dead=%d\n",
				q, c[mediarelay.QueuePending], c[mediarelay.QueueActive], c[mediarelay.QueueDelayed], c[mediarelay.QueueDead])
		}
		return nil

	case "list":
		if len(rest) != 2 {
			return errUsage
		}
		ts, err := ins.List(ctx, rest[0], mediarelay.QueueState(rest[1]), nil)
		if err != nil {
			return err
		}
		for _, t := range ts {
			fmt.Fprintf(out, "%s type=%s key=%s retry=%d/%d", t.ID, t.Type, t.Key, t.Retry, t.MaxRetry)
			if t.LastError != "" {
				fmt.Fprintf(out, " err=%q", t.LastError)
			}
			fmt.Fprintln(out)
		}
		return nil

	case "requeue":
		if len(rest) != 2 {
			return errUsage
		}
		if err := ins.RequeueDead(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "requeued %s\n", rest[1])
		return nil

	case "download":
		if len(rest) != 1 {
			return errUsage
		}
		return publish(ctx, rdb, out, mediarelay.JobDownload, rest[0], mediarelay.DownloadTrigger{TaskID: rest[0]})

	case "batch":
		if len(rest) < 1 {
			return errUsage
		}
		tr := mediarelay.BatchTrigger{GroupID: rest[0], TaskIDs: rest[1:]}
		return publish(ctx, rdb, out, mediarelay.JobBatch, tr.GroupID, tr)

	default:
		return errUsage
	}
}

func publish(ctx context.Context, rdb redis.UniversalClient, out io.Writer, jobType, key string, payload any) error {
	pub := queue.NewPublisher(queue.NewRedisTransport(rdb), queue.PublisherConfig{MaxRetry: 10})
	defer pub.Close()

	ctx = queue.WithMeta(ctx, map[string]string{"origin": "relayctl"})
	rc, err := pub.Enqueue(ctx, jobType, key, payload)
	if err != nil {
		return err
	}
	if rc.Fallback {
		return fmt.Errorf("publish failed for %s", key)
	}
	fmt.Fprintf(out, "published %s id=%s\n", jobType, rc.MessageID)
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
