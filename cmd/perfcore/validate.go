package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/yamlforge/perfcore/internal/batch"
	"github.com/yamlforge/perfcore/internal/engine"
	"github.com/yamlforge/perfcore/internal/loader"
	"github.com/yamlforge/perfcore/internal/scheduler"
)

const opValidate batch.OperationType = "validate"

// document is the payload of a validate batch operation
type document struct {
	key  string
	data []byte
}

// verdict is the per-document result of a validate batch
type verdict struct {
	documents int
	err       error
}

// result is the outcome for one requested key
type result struct {
	Key       string
	Size      int
	Documents int
	Err       error
}

// registerValidation installs the YAML validation batch function. A parse
// error fails only its own document.
func registerValidation(p *batch.Processor) {
	p.Register(opValidate, func(ctx context.Context, payloads []interface{}) ([]interface{}, error) {
		out := make([]interface{}, len(payloads))
		for i, pl := range payloads {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = validateYAML(pl.(document).data)
		}
		return out, nil
	})
}

func validateYAML(data []byte) verdict {
	var v verdict
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc interface{}
		err := dec.Decode(&doc)
		if err == io.EOF {
			return v
		}
		if err != nil {
			v.err = err
			return v
		}
		v.documents++
	}
}

// validateAll loads every key through the service cache and validates the
// loaded bytes in batches. Per-key failures are reported in the results;
// the returned error is reserved for failures of the pipeline itself.
func validateAll(ctx context.Context, svc *engine.Service[[]byte], ldr loader.Loader, keys []string) ([]result, error) {
	results := make([]result, len(keys))
	var callbacks sync.WaitGroup

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			results[i].Key = key
			data, err := svc.LoadThrough(gctx, "document:"+key, scheduler.TierHigh,
				func(ctx context.Context) ([]byte, error) { return ldr.Load(ctx, key) })
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Size = len(data)

			callbacks.Add(1)
			err = svc.Batch().Enqueue(&batch.Operation{
				Type:    opValidate,
				Tier:    scheduler.TierMedium,
				Payload: document{key: key, data: data},
				Callback: func(res interface{}, err error) {
					defer callbacks.Done()
					if err != nil {
						results[i].Err = err
						return
					}
					v := res.(verdict)
					results[i].Documents = v.documents
					results[i].Err = v.err
				},
			})
			if err != nil {
				callbacks.Done()
				return fmt.Errorf("enqueue %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	svc.Batch().Flush()

	done := make(chan struct{})
	go func() {
		callbacks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeReport prints one line per key and returns the number of failures
func writeReport(w io.Writer, results []result) int {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", r.Key, r.Err)
			continue
		}
		fmt.Fprintf(w, "ok   %s (%s, %d document(s))\n", r.Key, humanize.IBytes(uint64(r.Size)), r.Documents)
	}
	fmt.Fprintf(w, "%d checked, %d failed\n", len(results), failed)
	return failed
}
