package forkd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/gin-gonic/gin"
)

const maxRPCBody = 4 << 20

type assignResponse struct {
	Account string `json:"account"`
	RPCURL  string `json:"rpcUrl"`
}

// Router serves the conductor API: assign and release under the create path,
// the fork RPC proxy under the rpc path.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	create := "/" + configs.DefaultCreateForkPath + "/:account"
	router.POST(create, s.handleAssign)
	router.DELETE(create, s.handleRelease)
	router.POST("/"+configs.DefaultRPCPath+"/:account", s.handleRPC)
	router.GET("/forks", func(c *gin.Context) { c.JSON(http.StatusOK, s.Forks()) })
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	return router
}

// Serve runs the HTTP API on addr until ctx is done.
func (s *Service) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("forkd listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Service) handleAssign(c *gin.Context) {
	f, err := s.Assign(c.Request.Context(), c.Param("account"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, assignResponse{Account: f.Account, RPCURL: rpcURL(c.Request, f.Account)})
}

func (s *Service) handleRelease(c *gin.Context) {
	if err := s.Release(c.Request.Context(), c.Param("account")); err != nil {
		s.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRPCBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	reply, status, err := s.Forward(c.Request.Context(), c.Param("account"), body)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(status, "application/json", reply)
}

func (s *Service) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidAccount):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoFork):
		status = http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func rpcURL(r *http.Request, account string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/" + configs.DefaultRPCPath + "/" + account
}
