package parser_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/internal/gtfs-static/gtfstest"
	"github.com/mtatracker-data/internal/gtfs-static/parser"
	"github.com/mtatracker-data/pkg/gtfs-static/models"
)

type collected struct {
	stops  []*models.Stop
	routes []*models.Route
	files  map[string]int
}

func (c *collected) callbacks() parser.ParseCallbacks {
	c.files = map[string]int{}
	return parser.ParseCallbacks{
		OnStop:  func(s *models.Stop) error { c.stops = append(c.stops, s); return nil },
		OnRoute: func(r *models.Route) error { c.routes = append(c.routes, r); return nil },
		OnFileComplete: func(name string, n int) error {
			c.files[name] = n
			return nil
		},
	}
}

func TestParseZip(t *testing.T) {
	var c collected
	p := parser.New(logger.Nop())
	require.NoError(t, p.ParseZip(context.Background(), gtfstest.Default(t), c.callbacks()))

	require.Len(t, c.stops, 6)
	assert.Equal(t, &models.Stop{
		StopID:        "L01N",
		StopName:      "8 Av",
		StopLat:       40.739777,
		StopLon:       -74.002578,
		LocationType:  models.LocationStop,
		ParentStation: "L01",
	}, c.stops[1])
	assert.Equal(t, models.LocationStation, c.stops[0].LocationType)

	require.Len(t, c.routes, 2)
	assert.Equal(t, "14 St-Canarsie Local", c.routes[0].RouteLongName)
	assert.Equal(t, "6CBE45", c.routes[1].RouteColor)
	assert.Equal(t, map[string]int{"stops.txt": 6, "routes.txt": 2}, c.files)
}

func TestParseArchiveInFolderWithBOM(t *testing.T) {
	data := gtfstest.Archive(t, map[string]string{
		"google_transit/stops.txt":  "\ufeffstop_id,stop_name\n101,Van Cortlandt Park-242 St\n",
		"google_transit/routes.txt": "route_id\n1\n",
	})
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var c collected
	require.NoError(t, parser.New(logger.Nop()).ParseArchive(context.Background(), zr, c.callbacks()))
	require.Len(t, c.stops, 1)
	assert.Equal(t, "101", c.stops[0].StopID)
	assert.Zero(t, c.stops[0].StopLat)
	require.Len(t, c.routes, 1)
}

func TestParseErrors(t *testing.T) {
	p := parser.New(logger.Nop())
	ctx := context.Background()

	t.Run("missing routes", func(t *testing.T) {
		path := gtfstest.WriteArchive(t, map[string]string{"stops.txt": gtfstest.Stops})
		err := p.ParseZip(ctx, path, parser.ParseCallbacks{})
		assert.ErrorIs(t, err, parser.ErrMissingFile)
	})

	t.Run("bad coordinate", func(t *testing.T) {
		path := gtfstest.WriteArchive(t, map[string]string{
			"stops.txt":  "stop_id,stop_name,stop_lat,stop_lon\nA,Alpha,40.1,-73.9\nB,Beta,north,-73.9\n",
			"routes.txt": gtfstest.Routes,
		})
		err := p.ParseZip(ctx, path, parser.ParseCallbacks{})
		var rerr *parser.RecordError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "stops.txt", rerr.File)
		assert.Equal(t, 3, rerr.Line)
	})

	t.Run("missing route id", func(t *testing.T) {
		path := gtfstest.WriteArchive(t, map[string]string{
			"stops.txt":  gtfstest.Stops,
			"routes.txt": "route_id,route_short_name\n,L\n",
		})
		var rerr *parser.RecordError
		assert.ErrorAs(t, p.ParseZip(ctx, path, parser.ParseCallbacks{}), &rerr)
	})

	t.Run("callback error stops parsing", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := p.ParseZip(ctx, gtfstest.Default(t), parser.ParseCallbacks{
			OnStop: func(*models.Stop) error { calls++; return boom },
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("not a zip", func(t *testing.T) {
		assert.Error(t, p.ParseZip(ctx, "testdata/missing.zip", parser.ParseCallbacks{}))
	})
}
