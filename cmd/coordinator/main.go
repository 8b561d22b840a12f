// Command coordinator serves the global model to federated training
// clients and folds their weight updates into it.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/config"
	"github.com/dreamware/fedcoord/internal/coordinator"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/server"
	"github.com/dreamware/fedcoord/internal/storage"
)

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to an HCL configuration file")
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Exitf("configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, nil); err != nil {
		klog.Exitf("coordinator: %v", err)
	}
}

// newPersister picks the persistence backend named by the configuration.
func newPersister(cfg config.Config) storage.Persister {
	if cfg.Persistence == config.PersistenceMemory {
		return storage.NewMemoryPersister()
	}
	return storage.NewDiskPersister(cfg.ModelDir)
}

func newStore(cfg config.Config) *storage.ModelStore {
	return storage.NewModelStore(model.Default(), newPersister(cfg), storage.Options{
		PersistTimeout: cfg.PersistTimeout,
		Seed:           cfg.InitSeed,
		RecoverCorrupt: cfg.RecoverCorrupt,
	})
}

// run serves until ctx is done. When ready is not nil it receives the
// bound listener address once the server accepts connections.
func run(ctx context.Context, cfg config.Config, ready chan<- string) error {
	store := newStore(cfg)

	// Initialize eagerly so problems with the persisted model show up at
	// startup. The server still starts; fetches report the model as missing.
	if st, err := store.Load(ctx); err != nil {
		klog.Errorf("global model not loaded: %v", err)
	} else {
		klog.Infof("global model ready: version %d, %s persistence", st.Version, cfg.Persistence)
	}

	svc := coordinator.NewService(store)
	srv := server.New(svc, server.Options{MaxBodyBytes: cfg.MaxBodyBytes})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		klog.Infof("coordinator listening on %s", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := store.Flush(shutdownCtx); err != nil {
		klog.Errorf("global model not persisted on shutdown: %v", err)
	}
	klog.Info("coordinator stopped")
	return nil
}
