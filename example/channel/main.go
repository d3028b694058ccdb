package main

import (
	"context"
	"fmt"
	"log"
	"math"
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

	endpoint, batches, closeBatches := rasperature.NewChannelEndpoint("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ingest", batches)

	// a sensor supplied in code instead of by a config driver
	start := time.Now()
	wave := rasperature.SensorFunc(func(context.Context) (map[string]float64, error) {
		t := time.Since(start).Seconds()
		return map[string]float64{"temperature": 21 + 3*math.Sin(t/60)}, nil
	})

	err = flow.
		StreamIN(rasperature.StreamInSensor("wave", wave)).
		Run(ctx, rasperature.StreamOutEndpoint(endpoint))
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []rasperature.Envelope) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d readings at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
