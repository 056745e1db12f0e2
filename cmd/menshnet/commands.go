package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/client"
	"github.com/lightforgemedia/go-menshnet/pkg/filewatcher"
	"github.com/lightforgemedia/go-menshnet/pkg/pipeline"
	"github.com/lightforgemedia/go-menshnet/pkg/registry"
)

// syncWriter serialises writes from event handlers running on transport
// goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (c *cli) newClient() (*client.Client, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("api key is required (flag --api-key or MENSHNET_API_KEY)")
	}
	opts, err := c.cfg.ClientOptions(c.logger)
	if err != nil {
		return nil, err
	}
	opts.Sink = pipeline.NewConsoleSink(c.stdout)
	return client.NewWithOptions(c.cfg.APIKey, opts)
}

func (c *cli) list(ctx context.Context) error {
	cl, err := c.newClient()
	if err != nil {
		return err
	}
	defer cl.Close(context.Background())

	if err := cl.Connect(ctx); err != nil {
		return err
	}
	for _, name := range cl.Names() {
		fmt.Fprintln(c.stdout, name)
	}
	return nil
}

// withRegistry opens the registry for the duration of fn. Badger holds an
// exclusive directory lock, so no command keeps it open between operations.
func (c *cli) withRegistry(fn func(reg *registry.Registry) error) error {
	reg, err := c.cfg.Registry.OpenRegistry(c.logger)
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(reg)
}

func (c *cli) ps() error {
	var recs []registry.Record
	err := c.withRegistry(func(reg *registry.Registry) error {
		var err error
		recs, err = reg.List()
		return err
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tPIPELINE\tSTARTED\tTOPIC")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ResourceID, r.Name, r.StartedAt.Local().Format(time.DateTime), r.EventTopic)
	}
	return tw.Flush()
}

func (c *cli) stop(ctx context.Context, resourceID string) error {
	cl, err := c.newClient()
	if err != nil {
		return err
	}
	defer cl.Close(context.Background())

	if err := cl.StopResource(ctx, resourceID); err != nil {
		return err
	}
	// Stop already succeeded; a record left behind is logged, not fatal.
	c.forget(resourceID)
	fmt.Fprintf(c.stdout, "stopped %s\n", resourceID)
	return nil
}

func (c *cli) record(rec registry.Record) {
	err := c.withRegistry(func(reg *registry.Registry) error {
		return reg.Put(rec)
	})
	if err != nil {
		c.logger.Warn("could not record resource", "resource_id", rec.ResourceID, "error", err)
	}
}

// encodeConfig renders conf for a registry record. A config that cannot be
// encoded is logged and left out of the record.
func (c *cli) encodeConfig(resourceID string, conf any) json.RawMessage {
	raw, err := json.Marshal(conf)
	if err != nil {
		c.logger.Warn("could not encode pipeline config for the registry", "resource_id", resourceID, "error", err)
		return nil
	}
	return raw
}

func (c *cli) forget(resourceID string) {
	err := c.withRegistry(func(reg *registry.Registry) error {
		return reg.Delete(resourceID)
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		c.logger.Warn("could not remove resource record", "resource_id", resourceID, "error", err)
	}
}

// runner owns the pipeline handle of one `run` invocation.
type runner struct {
	*cli
	client *client.Client
	name   string

	current *pipeline.Pipeline
}

func (c *cli) runPipeline(ctx context.Context, name string) error {
	if c.watch && c.pipelineConfig == "" {
		return errors.New("--watch needs --pipeline-config")
	}
	c.stdout = &syncWriter{w: c.stdout}

	cl, err := c.newClient()
	if err != nil {
		return err
	}
	defer cl.Close(context.Background())
	if err := cl.Connect(ctx); err != nil {
		return err
	}

	r := &runner{cli: c, client: cl, name: name}
	if err := r.restart(ctx); err != nil {
		return err
	}
	defer r.stopCurrent()

	changes := make(chan struct{}, 1)
	if c.watch {
		w, err := filewatcher.New(filewatcher.WithFiles(c.pipelineConfig), filewatcher.WithLogger(c.logger))
		if err != nil {
			return err
		}
		w.OnChange(func(string) {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			c.logger.Info("pipeline config changed, restarting", "pipeline", name)
			if err := r.restart(ctx); err != nil {
				c.logger.Error("restart failed", "pipeline", name, "error", err)
			}
		}
	}
}

// restart stops the running handle, if any, and starts a fresh one with the
// current pipeline config.
func (r *runner) restart(ctx context.Context) error {
	r.stopCurrent()

	conf, err := loadPipelineConfig(r.pipelineConfig)
	if err != nil {
		return err
	}
	p, err := r.client.Pipeline(r.name)
	if err != nil {
		return err
	}
	for _, key := range r.emitKeys {
		p.Register(key, func(v json.RawMessage) {
			fmt.Fprintf(r.stdout, "%s: %s\n", key, v)
		})
	}

	if err := p.Start(ctx, conf); err != nil {
		return err
	}
	r.current = p

	r.record(registry.Record{
		ResourceID: p.ResourceID(),
		Name:       p.Name(),
		EventTopic: p.EventTopic(),
		StartedAt:  time.Now().UTC(),
		Config:     r.encodeConfig(p.ResourceID(), conf),
	})
	fmt.Fprintf(r.stdout, "started %s (resource %s)\n", p.Name(), p.ResourceID())
	return nil
}

func (r *runner) stopCurrent() {
	p := r.current
	if p == nil {
		return
	}
	r.current = nil
	p.Stop()
	if err := p.Release(); err != nil {
		r.logger.Debug("release failed", "resource_id", p.ResourceID(), "error", err)
	}
	r.forget(p.ResourceID())
	fmt.Fprintf(r.stdout, "stopped %s (resource %s)\n", p.Name(), p.ResourceID())
}
