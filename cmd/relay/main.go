// Command relay tails the accepted-artifact Kafka topic the gateway
// publishes to and forwards each notification to a downstream sink. The
// default sink logs to stdout; it exists to prove the statebus wiring end
// to end, not as a production SIEM integration.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ledger/pkg/statebus"
)

type relayOpenConsumerFunc func() (statebus.Consumer, error)
type relaySinkFunc func(notification acceptedArtifactNotification)

var (
	logFatalf     = log.Fatalf
	openConsumerG = openConsumerFromEnv
	sinkG         relaySinkFunc = logSink
)

// acceptedArtifactNotification mirrors the payload the gateway publishes
// on every ACCEPT classification: just enough to look the artifact up
// through the gateway's own read API.
type acceptedArtifactNotification struct {
	Hash string `json:"hash"`
	Kind string `json:"kind"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := runRelay(ctx, openConsumerG, sinkG); err != nil {
		logFatalf("relay: %v", err)
	}
}

func openConsumerFromEnv() (statebus.Consumer, error) {
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		return nil, errRequiredEnv("KAFKA_BROKERS")
	}
	return statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   env("KAFKA_ACCEPTED_TOPIC", "ledger.accepted-artifacts"),
		GroupID: env("KAFKA_RELAY_GROUP_ID", "ledger-relay"),
	})
}

func runRelay(ctx context.Context, openConsumer relayOpenConsumerFunc, sink relaySinkFunc) error {
	consumer, err := openConsumer()
	if err != nil {
		return err
	}
	defer consumer.Close()

	log.Println("relay: tailing accepted-artifact topic")
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("relay: read failed: %v", err)
			continue
		}
		var notification acceptedArtifactNotification
		if err := json.Unmarshal(msg.Value, &notification); err != nil {
			log.Printf("relay: dropping malformed message: %v", err)
			continue
		}
		sink(notification)
	}
}

func logSink(n acceptedArtifactNotification) {
	log.Printf("relay: accepted kind=%s hash=%s", n.Kind, n.Hash)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type errRequiredEnv string

func (e errRequiredEnv) Error() string {
	return string(e) + " required"
}
