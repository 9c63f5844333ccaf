package kernel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/cdphost"
	"github.com/Brahma-fi/brahma-connect/internal/netproxy"
	"golang.org/x/sync/errgroup"
)

// DevToolsContextID is the context id of the tab driven over DevTools.
const DevToolsContextID = 0

const shutdownTimeout = 5 * time.Second

// Serve runs the API server, the forward proxy and, when a DevTools URL is
// configured, the DevTools host, until ctx is done or one of them fails.
func (k *Kernel) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return k.listen(ctx, "api", k.cfg.Kernel.ListenAddr, k.Router())
	})

	if addr := k.cfg.Kernel.ProxyAddr; addr != "" {
		g.Go(func() error {
			return k.listen(ctx, "proxy", addr, netproxy.New(k.rules, k.tracker, nil))
		})
	}

	if url := k.cfg.Kernel.DevtoolsURL; url != "" {
		g.Go(func() error {
			k.Session(DevToolsContextID)
			k.tracker.StartTracking(ctx, DevToolsContextID)
			host := cdphost.New(cdphost.Options{
				DevToolsURL: url,
				TargetID:    k.cfg.Kernel.DevtoolsTarget,
				ContextID:   DevToolsContextID,
			}, k.rules, k.tracker, k)
			return host.Run(ctx)
		})
	}

	err := g.Wait()
	k.Close(context.Background())
	return err
}

func (k *Kernel) listen(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		k.logger.Info("listening", "server", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
