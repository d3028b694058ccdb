package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/benschg/rasperature"
)

func main() {
	flow, err := rasperature.Conf("../../config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, batch []rasperature.Envelope) error {
		for _, env := range batch {
			fmt.Printf("%s sensor=%s status=%s attempt=%d readings=%v\n",
				env.Timestamp.Format(time.RFC3339Nano),
				env.SensorID,
				env.Status,
				env.Attempt,
				env.Readings,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, rasperature.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
