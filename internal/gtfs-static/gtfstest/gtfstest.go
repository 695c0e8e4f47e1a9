// Package gtfstest builds GTFS static archives for tests.
package gtfstest

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// Stops is a small stops.txt with two stations and their platforms.
const Stops = `stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station
L01,8 Av,40.739777,-74.002578,1,
L01N,8 Av,40.739777,-74.002578,0,L01
L01S,8 Av,40.739777,-74.002578,0,L01
L02,6 Av,40.737335,-73.996786,1,
L02N,6 Av,40.737335,-73.996786,0,L02
L02S,6 Av,40.737335,-73.996786,0,L02
`

const Routes = `agency_id,route_id,route_short_name,route_long_name,route_type,route_color,route_text_color
MTA NYCT,L,L,14 St-Canarsie Local,1,A7A9AC,
MTA NYCT,G,G,Brooklyn-Queens Crosstown,1,6CBE45,
`

// Archive zips files in name order.
func Archive(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WriteArchive writes the archive into a temp dir and returns its path.
func WriteArchive(t testing.TB, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	require.NoError(t, os.WriteFile(path, Archive(t, files), 0o644))
	return path
}

// Default is an archive with Stops and Routes.
func Default(t testing.TB) string {
	return WriteArchive(t, map[string]string{"stops.txt": Stops, "routes.txt": Routes})
}
