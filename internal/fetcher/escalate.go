package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// Detector decides whether a probed page must be rendered.
type Detector interface {
	ShouldRender(resp crawler.FetchResponse) bool
}

// Escalating probes every URL with a plain fetcher and fetches it again with
// a browser when the detector flags the probe.
type Escalating struct {
	probe  crawler.Fetcher
	render crawler.Fetcher
	detect Detector
	logger *zap.Logger
}

// NewEscalating builds an Escalating fetcher. With a nil render fetcher or
// detector it behaves like probe alone.
func NewEscalating(probe, render crawler.Fetcher, detect Detector, logger *zap.Logger) *Escalating {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalating{probe: probe, render: render, detect: detect, logger: logger}
}

// Fetch implements crawler.Fetcher. A failed render falls back to the probe
// response.
func (e *Escalating) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := e.probe.Fetch(ctx, request)
	if err != nil || e.render == nil || e.detect == nil || !e.detect.ShouldRender(resp) {
		return resp, err
	}
	rendered, rerr := e.render.Fetch(ctx, request)
	if rerr != nil {
		e.logger.Warn("render failed, keeping probe response", zap.String("url", request.URL), zap.Error(rerr))
		return resp, nil
	}
	e.logger.Debug("page rendered", zap.String("url", request.URL))
	rendered.UsedHeadless = true
	return rendered, nil
}
