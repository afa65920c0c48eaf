// Package docker runs an external README generator image. The snapshot is
// written as JSON to the command's stdin inside a pre-warmed, network-less
// container; stdout becomes the README.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/readmebot/internal/generator"
	"github.com/sakif/readmebot/internal/model"
)

var _ generator.Generator = (*Generator)(nil)

// Generator implements generator.Generator with Docker.
type Generator struct {
	rt     runtime
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New connects to the Docker daemon from the environment, pulls the image
// and starts the container pool.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if cfg.Image == "" || len(cfg.Command) == 0 {
		return nil, errors.New("docker: image and command are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring generator image is available", slog.String("image", cfg.Image))
	rt, err := newDockerRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("generator image is ready")

	return newGenerator(rt, cfg, logger), nil
}

func newGenerator(rt runtime, cfg Config, logger *slog.Logger) *Generator {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	g := &Generator{
		rt:     rt,
		config: cfg,
		logger: logger,
		pool:   newPool(rt, cfg.PoolSize, logger),
	}
	g.pool.Start()
	return g
}

// Close stops the pool and releases the Docker client.
func (g *Generator) Close() error {
	g.pool.Stop()
	return g.rt.close()
}

// Generate renders a README for snap in a fresh container.
func (g *Generator) Generate(ctx context.Context, snap *model.RepoSnapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("docker: encoding snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	id, err := g.pool.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("docker: waiting for container: %w", err)
	}
	defer g.pool.Release(id)

	start := time.Now()
	res, err := g.rt.exec(ctx, id, g.config.Command, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("docker: generator timed out after %s", g.config.Timeout)
		}
		return "", fmt.Errorf("docker: running generator: %w", err)
	}

	g.logger.Debug("generator finished",
		slog.String("repo", snap.FullName),
		slog.Int("exitCode", res.ExitCode),
		slog.Duration("duration", time.Since(start)),
	)

	if res.ExitCode != 0 {
		return "", fmt.Errorf("docker: generator exited with code %d: %s", res.ExitCode, tail(res.Stderr, 512))
	}
	if len(res.Stdout) > g.config.MaxOutputBytes {
		return "", fmt.Errorf("docker: generator output is %d bytes, limit %d", len(res.Stdout), g.config.MaxOutputBytes)
	}
	out := string(res.Stdout)
	if strings.TrimSpace(out) == "" {
		return "", errors.New("docker: generator produced no output")
	}
	return out, nil
}

// tail returns at most n trailing bytes of b as trimmed text.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
