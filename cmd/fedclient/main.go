// Command fedclient is a small operator client for the coordinator.
//
// Usage:
//
//	fedclient pull    [-server URL] [-out DIR] [-retries N]
//	fedclient push    [-server URL] (-file update.json | -seed N) [-mode M]
//	fedclient inspect -dir DIR
//
// pull fetches the global model and prints its weight specs; with -out it
// also writes the model into DIR in the coordinator's on-disk layout. push
// posts an update read from a JSON file (an UpdateRequest body), or a
// freshly initialized parameter set for -seed. inspect prints a model
// directory written by the coordinator or by pull -out.
//
// The default server is $COORDINATOR_URL, or http://localhost:3001.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/api"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/storage"
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: fedclient [klog flags] pull|push|inspect [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if err := run(context.Background(), flag.Args(), os.Stdout); err != nil {
		klog.Flush()
		fmt.Fprintln(os.Stderr, "fedclient:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: fedclient pull|push|inspect [flags]")

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "pull":
		return pull(ctx, args[1:], out)
	case "push":
		return push(ctx, args[1:], out)
	case "inspect":
		return inspect(ctx, args[1:], out)
	}
	return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
}

func serverFlag(fs *flag.FlagSet) *string {
	return fs.String("server", getenv("COORDINATOR_URL", "http://localhost:3001"), "coordinator base URL")
}

func pull(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	server := serverFlag(fs)
	dir := fs.String("out", "", "write the model into this directory")
	retries := fs.Int("retries", 1, "attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := fetchWithRetry(ctx, api.NewClient(*server), *retries, 400*time.Millisecond)
	if err != nil {
		return err
	}
	rec, err := recordFromResponse(m)
	if err != nil {
		return err
	}
	printRecord(out, rec)

	if *dir == "" {
		return nil
	}
	p := storage.NewDiskPersister(*dir)
	if err := p.Save(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved to %s\n", p.Dir())
	return nil
}

// fetchWithRetry retries failed fetches, for coordinators that are still
// starting.
func fetchWithRetry(ctx context.Context, c *api.Client, attempts int, delay time.Duration) (*api.ModelResponse, error) {
	var lastErr error
	for i := 0; i < max(attempts, 1); i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		m, err := c.FetchModel(ctx)
		if err == nil {
			return m, nil
		}
		lastErr = err
		klog.V(1).Infof("fetch attempt %d from %s: %v", i+1, c.BaseURL(), err)
	}
	return nil, fmt.Errorf("fetching global model from %s: %w", c.BaseURL(), lastErr)
}

// recordFromResponse converts a fetched model into a storage record and
// checks it against the model definition.
func recordFromResponse(m *api.ModelResponse) (*storage.Record, error) {
	var topo model.Topology
	if err := json.Unmarshal(m.ModelTopology, &topo); err != nil {
		return nil, fmt.Errorf("decoding model topology: %w", err)
	}
	rec := &storage.Record{
		UpdatedAt: m.UpdatedAt,
		Revision:  m.Revision,
		Topology:  topo,
		Manifest:  m.WeightSpecs,
		Blob:      m.WeightData,
		Version:   m.Version,
	}
	if _, err := storage.DecodeRecord(model.Default(), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func push(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	server := serverFlag(fs)
	file := fs.String("file", "", "JSON update request to post")
	seed := fs.Int64("seed", -1, "post a freshly initialized parameter set from this seed")
	mode := fs.String("mode", "", "update mode: overwrite, average or weighted_average")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req api.UpdateRequest
	switch {
	case *file != "" && *seed >= 0:
		return errors.New("push: -file and -seed are mutually exclusive")
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decoding %s: %w", *file, err)
		}
	case *seed >= 0:
		req.Weights = api.EncodeSet(model.Default().Instantiate(uint64(*seed)).Params)
	default:
		return errors.New("push: one of -file or -seed is required")
	}
	if *mode != "" {
		req.Mode = *mode
	}

	ack, err := api.NewClient(*server).PushUpdate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: version %d (revision %s)\n", ack.Message, ack.Version, ack.Revision)
	return nil
}

func inspect(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	dir := fs.String("dir", "./model-store", "model directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rec, err := storage.NewDiskPersister(*dir).Load(ctx)
	if err != nil {
		return err
	}
	if _, err := storage.DecodeRecord(model.Default(), rec); err != nil {
		return err
	}
	printRecord(out, rec)
	return nil
}

func printRecord(out io.Writer, rec *storage.Record) {
	fmt.Fprintf(out, "version %d  revision %s  updated %s  weights %s\n",
		rec.Version, rec.Revision, rec.UpdatedAt.Format(time.RFC3339), humanize.Bytes(uint64(len(rec.Blob))))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tOFFSET\tLENGTH")
	for _, s := range rec.Manifest {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\n", s.Name, s.DType, s.Shape, s.Offset, s.Length)
	}
	_ = tw.Flush()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
