package parser

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/pkg/gtfs-static/models"
)

// ErrMissingFile is returned when a required file is absent from the archive.
var ErrMissingFile = errors.New("required file missing from archive")

// RecordError points at a malformed row.
type RecordError struct {
	File string
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.File, e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

type Parser struct {
	logger logger.Logger
}

func New(logger logger.Logger) *Parser {
	return &Parser{logger: logger}
}

type ParseCallbacks struct {
	OnStop         func(stop *models.Stop) error
	OnRoute        func(route *models.Route) error
	OnFileComplete func(fileName string, records int) error
}

// parseOrder lists the files read from an archive. Both are required.
var parseOrder = []string{
	"stops.txt",
	"routes.txt",
}

func (p *Parser) ParseZip(ctx context.Context, zipPath string, callbacks ParseCallbacks) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening zip file: %w", err)
	}
	defer reader.Close()

	p.logger.Info("Parsing GTFS zip file", "path", zipPath, "files", len(reader.File))
	return p.ParseArchive(ctx, &reader.Reader, callbacks)
}

// ParseArchive reads stops.txt then routes.txt from an opened archive.
// Files may sit in a single top-level folder.
func (p *Parser) ParseArchive(ctx context.Context, reader *zip.Reader, callbacks ParseCallbacks) error {
	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		name := file.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		fileMap[name] = file
	}

	for _, fileName := range parseOrder {
		file, exists := fileMap[fileName]
		if !exists {
			return fmt.Errorf("%w: %s", ErrMissingFile, fileName)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.parseFile(fileName, file, callbacks); err != nil {
			return fmt.Errorf("parsing %s: %w", fileName, err)
		}
	}

	p.logger.Info("GTFS parsing completed successfully")
	return nil
}

func (p *Parser) parseFile(name string, file *zip.File, callbacks ParseCallbacks) error {
	p.logger.Debug("Parsing file", "name", name, "size", file.UncompressedSize64)

	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}

	headerMap := make(map[string]int)
	for i, h := range header {
		// Some exports carry a UTF-8 byte order mark.
		headerMap[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}

	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}
		line, _ := reader.FieldPos(0)

		switch name {
		case "stops.txt":
			stop, err := p.parseStop(record, headerMap)
			if err != nil {
				return &RecordError{File: name, Line: line, Err: err}
			}
			if callbacks.OnStop != nil {
				if err := callbacks.OnStop(stop); err != nil {
					return err
				}
			}
		case "routes.txt":
			route, err := p.parseRoute(record, headerMap)
			if err != nil {
				return &RecordError{File: name, Line: line, Err: err}
			}
			if callbacks.OnRoute != nil {
				if err := callbacks.OnRoute(route); err != nil {
					return err
				}
			}
		}

		count++
		if count%10000 == 0 {
			p.logger.Debug("Progress", "file", name, "records", count)
		}
	}

	p.logger.Info("File parsed", "name", name, "records", count)

	if callbacks.OnFileComplete != nil {
		if err := callbacks.OnFileComplete(name, count); err != nil {
			return fmt.Errorf("file complete callback: %w", err)
		}
	}

	return nil
}

func (p *Parser) getString(record []string, headerMap map[string]int, field string) string {
	if idx, ok := headerMap[field]; ok && idx < len(record) {
		return strings.TrimSpace(record[idx])
	}
	return ""
}

func (p *Parser) getInt(record []string, headerMap map[string]int, field string, defaultVal int) int {
	str := p.getString(record, headerMap, field)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	return val
}

func (p *Parser) getFloat(record []string, headerMap map[string]int, field string) (float64, error) {
	str := p.getString(record, headerMap, field)
	if str == "" {
		return 0, nil
	}
	return strconv.ParseFloat(str, 64)
}

func (p *Parser) parseStop(record []string, headerMap map[string]int) (*models.Stop, error) {
	stop := &models.Stop{
		StopID:        p.getString(record, headerMap, "stop_id"),
		StopName:      p.getString(record, headerMap, "stop_name"),
		LocationType:  p.getInt(record, headerMap, "location_type", models.LocationStop),
		ParentStation: p.getString(record, headerMap, "parent_station"),
	}
	if stop.StopID == "" {
		return nil, fmt.Errorf("missing stop_id")
	}

	var err error
	if stop.StopLat, err = p.getFloat(record, headerMap, "stop_lat"); err != nil {
		return nil, fmt.Errorf("stop %s: stop_lat: %w", stop.StopID, err)
	}
	if stop.StopLon, err = p.getFloat(record, headerMap, "stop_lon"); err != nil {
		return nil, fmt.Errorf("stop %s: stop_lon: %w", stop.StopID, err)
	}
	return stop, nil
}

func (p *Parser) parseRoute(record []string, headerMap map[string]int) (*models.Route, error) {
	route := &models.Route{
		RouteID:        p.getString(record, headerMap, "route_id"),
		AgencyID:       p.getString(record, headerMap, "agency_id"),
		RouteShortName: p.getString(record, headerMap, "route_short_name"),
		RouteLongName:  p.getString(record, headerMap, "route_long_name"),
		RouteType:      p.getInt(record, headerMap, "route_type", 0),
		RouteColor:     p.getString(record, headerMap, "route_color"),
		RouteTextColor: p.getString(record, headerMap, "route_text_color"),
	}
	if route.RouteID == "" {
		return nil, fmt.Errorf("missing route_id")
	}
	return route, nil
}
