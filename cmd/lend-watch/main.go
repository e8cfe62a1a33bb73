// lend-watch tails the committed-event stream a lending node publishes
// over NATS.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type eventMessage struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

var eventsSeen int64

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	account := flag.String("account", "", "Only show events for this identity (0x-hex)")
	discover := flag.Duration("discover", 10*time.Second, "How long to wait for a node announcement (0 skips discovery)")
	flag.Parse()

	log.Printf("lend-watch connecting to %s", *natsURL)

	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second))
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	// Wait for a node announcement before tailing
	if *discover > 0 {
		found := make(chan struct{}, 1)
		sub, err := nc.Subscribe("lend.announce", func(m *nats.Msg) {
			var announcement map[string]interface{}
			if json.Unmarshal(m.Data, &announcement) == nil && announcement["type"] == "lend-node" {
				log.Printf("Found lending node: height=%v sequence=%v accounts=%v",
					announcement["height"], announcement["sequence"], announcement["accounts"])
				select {
				case found <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			log.Fatalf("Failed to subscribe to announcements: %v", err)
		}

		log.Println("Looking for a lending node...")
		select {
		case <-found:
		case <-time.After(*discover):
			log.Println("No node announcement seen, tailing anyway")
		}
		sub.Unsubscribe()
	}

	subject := "lend.events"
	if *account != "" {
		subject = subject + "." + *account
	}

	if _, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var ev eventMessage
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Printf("Malformed event: %v", err)
			return
		}
		atomic.AddInt64(&eventsSeen, 1)
		log.Printf("#%d %-9s %s amount=%s", ev.Sequence, ev.Kind, ev.Account, ev.Amount)
	}); err != nil {
		log.Fatalf("Failed to subscribe to %s: %v", subject, err)
	}

	log.Printf("Tailing %s (Ctrl-C to stop)", subject)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Printf("Done, %d events seen", atomic.LoadInt64(&eventsSeen))
}
