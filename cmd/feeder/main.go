package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
	"github.com/pinax-network/substreams-sink-sheets/pkg/columns"
	"github.com/pinax-network/substreams-sink-sheets/pkg/feed"
)

// block is one input line: a block clock and its table changes
type block struct {
	Clock        changes.BlockClock    `json:"clock"`
	TypeURL      string                `json:"type_url,omitempty"`
	TableChanges []changes.TableChange `json:"table_changes"`
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "comma separated Kafka brokers")
	topic := flag.String("topic", "substreams-changes", "feed topic")
	module := flag.String("module", "db_out", "module name attached to every message")
	input := flag.String("input", "-", "JSON lines file, - for stdin")
	end := flag.Bool("end", true, "publish the end-of-stream marker after the input")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("failed to open input: %v", err)
		}
		defer f.Close()
		r = f
	}

	publisher := feed.NewPublisher(feed.Config{Brokers: columns.Parse(*brokers), Topic: *topic})
	defer publisher.Close()

	n, err := publish(ctx, publisher, r, *module)
	if err != nil {
		log.Fatalf("failed after %d blocks: %v", n, err)
	}
	if *end {
		if err := publisher.End(ctx, *module); err != nil {
			log.Fatalf("failed to publish end marker: %v", err)
		}
	}
	fmt.Printf("published %d blocks to %s\n", n, *topic)
}

func publish(ctx context.Context, p *feed.Publisher, r io.Reader, module string) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	count := 0
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		msg, err := parseLine(scanner.Bytes(), module)
		if err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if err := p.Publish(ctx, msg); err != nil {
			return count, err
		}
		count++
	}
	return count, scanner.Err()
}

func parseLine(data []byte, module string) (feed.Message, error) {
	var b block
	if err := json.Unmarshal(data, &b); err != nil {
		return feed.Message{}, err
	}
	typeURL := b.TypeURL
	if typeURL == "" {
		typeURL = "type.googleapis.com/" + changes.MessageTypeName
	}
	return feed.Message{
		Module:  module,
		TypeURL: typeURL,
		Payload: changes.Encode(&changes.DatabaseChanges{TableChanges: b.TableChanges}),
		Clock:   b.Clock,
		Cursor:  strconv.FormatUint(b.Clock.Number, 10),
	}, nil
}
