// Package viz renders query results as raster or vector charts. The HTTP
// layer depends only on the Renderer interface; the core analytics packages
// are free of rendering logic.
package viz

import (
	"bytes"
	"fmt"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/sparesparrow/github-events/internal/store"
)

// Format selects the output encoding.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
)

// ParseFormat validates a format tag.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPNG, FormatSVG:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// MIME returns the MIME type matching the format.
func (f Format) MIME() string {
	if f == FormatSVG {
		return "image/svg+xml"
	}
	return "image/png"
}

// Renderer turns query results into image bytes.
type Renderer interface {
	// RenderTrending draws a bar chart of trending repositories.
	RenderTrending(title string, repos []store.RepoCount, format Format) ([]byte, error)
}

// chartRenderer is the default Renderer backed by go-chart.
type chartRenderer struct{}

// NewRenderer constructs the default renderer.
func NewRenderer() Renderer {
	return &chartRenderer{}
}

var _ Renderer = (*chartRenderer)(nil)

// RenderTrending draws one bar per repository, ordered as given.
func (r *chartRenderer) RenderTrending(title string, repos []store.RepoCount, format Format) ([]byte, error) {
	if len(repos) == 0 {
		return nil, fmt.Errorf("no data to render")
	}

	bars := make([]chart.Value, 0, len(repos))
	for _, rc := range repos {
		bars = append(bars, chart.Value{
			Label: rc.RepoName,
			Value: float64(rc.Count),
		})
	}

	graph := chart.BarChart{
		Title:    title,
		Width:    max(160*len(bars), 640),
		Height:   480,
		BarWidth: 80,
		Bars:     bars,
		XAxis:    chart.Style{TextRotationDegrees: 30},
	}

	provider := chart.PNG
	if format == FormatSVG {
		provider = chart.SVG
	}

	var buf bytes.Buffer
	if err := graph.Render(provider, &buf); err != nil {
		return nil, fmt.Errorf("render trending chart: %w", err)
	}
	return buf.Bytes(), nil
}
