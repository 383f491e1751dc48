// flowrelay-runner is a reference client: it registers a small demo
// model with one processor and one criterion, connects to the platform
// and serves calculation requests until interrupted.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 authentication
// exhausted, 3 protocol handshake mismatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/flowrelay/flowrelay-go/internal/config"
	"github.com/flowrelay/flowrelay-go/internal/stream"
	"github.com/flowrelay/flowrelay-go/internal/supervisor"
	"github.com/flowrelay/flowrelay-go/pkg/runtime"
)

// Item is the demo entity: a named thing with a weight and tags.
type Item struct {
	runtime.Base

	Name   string
	Weight float64
	Tags   []string
}

func itemDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		ModelName:    "Item",
		ModelVersion: 1,
		Schema: []runtime.Field{
			{Name: "name", Required: true},
			{Name: "weight"},
			{Name: "tags"},
		},
		New: func() runtime.Entity { return &Item{} },
	}
}

func (i *Item) FromFields(fields map[string]interface{}) error {
	i.Name, _ = fields["name"].(string)
	i.Weight, _ = fields["weight"].(float64)
	if raw, ok := fields["tags"].([]interface{}); ok {
		i.Tags = i.Tags[:0]
		for _, t := range raw {
			if s, ok := t.(string); ok {
				i.Tags = append(i.Tags, s)
			}
		}
	}
	return nil
}

func (i *Item) Fields() map[string]interface{} {
	tags := make([]interface{}, len(i.Tags))
	for n, t := range i.Tags {
		tags[n] = t
	}
	return map[string]interface{}{
		"name":   i.Name,
		"weight": i.Weight,
		"tags":   tags,
	}
}

// tagAdder appends a "processed" tag unless it is already present.
func tagAdder(ctx context.Context, e runtime.Entity) (runtime.Entity, error) {
	item := e.(*Item)
	for _, t := range item.Tags {
		if t == "processed" {
			return item, nil
		}
	}
	item.Tags = append(item.Tags, "processed")
	return item, nil
}

// isHeavy matches items above the weight threshold.
func isHeavy(ctx context.Context, e runtime.Entity) (bool, error) {
	return e.(*Item).Weight > 10, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config overlaid by the environment")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	item := itemDescriptor()
	if err := errors.Join(
		rt.RegisterModel(item),
		rt.RegisterProcessor("TagAdder", 1, item, tagAdder),
		rt.RegisterCriterion("IsHeavy", 1, item, isHeavy),
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting", "endpoint", cfg.GRPCEndpoint, "ops", cfg.OpsAddr)
	err = rt.Run(ctx)
	switch {
	case err == nil:
		slog.Info("shut down cleanly")
		return 0
	case errors.Is(err, supervisor.ErrAuthExhausted):
		slog.Error("authentication exhausted", "error", err)
		return 2
	case errors.Is(err, stream.ErrHandshakeMismatch):
		slog.Error("handshake mismatch", "error", err)
		return 3
	default:
		slog.Error("runtime failed", "error", err)
		return 1
	}
}
