package reconciler

import (
	"fmt"
	"strings"

	"github.com/mtatracker-data/pkg/transit/models"
)

// Rule holds the per-source identifier conventions.
type Rule struct {
	// StopSuffixes lists characters a source appends to stop ids to encode
	// direction, e.g. "NS". One trailing match is stripped.
	StopSuffixes string
	// RouteSeparator splits a route id into its display name and variant.
	RouteSeparator string
	// KeepHistory also appends each vehicle position to the history table.
	KeepHistory bool
}

// Rules maps a feed source name to its rule.
type Rules map[string]Rule

// For returns the rule for source, or the defaults for an unknown source.
func (r Rules) For(source string) Rule {
	rule := r[source]
	if rule.RouteSeparator == "" {
		rule.RouteSeparator = "_"
	}
	return rule
}

// NormalizeStopID strips a direction suffix from id. It fails when nothing
// meaningful is left.
func NormalizeStopID(rule Rule, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty stop id")
	}
	out := id
	if rule.StopSuffixes != "" && strings.ContainsRune(rule.StopSuffixes, rune(id[len(id)-1])) {
		out = id[:len(id)-1]
	}
	if out == "" {
		return "", fmt.Errorf("stop id %q is only a direction suffix", id)
	}
	return out, nil
}

// PlaceholderRoute derives a display route from an id such as "7_X": the
// first token before the separator is the short name.
func PlaceholderRoute(rule Rule, routeID string) models.Route {
	name := routeID
	if token, _, ok := strings.Cut(routeID, rule.RouteSeparator); ok && token != "" {
		name = token
	}
	return models.Route{
		ID:        routeID,
		ShortName: name,
		LongName:  name + " Line",
		Type:      models.RouteTypeSubway,
		Color:     "000000",
		TextColor: "FFFFFF",
		IsActive:  true,
		Source:    models.SourcePlaceholder,
	}
}

// PlaceholderStop is a stop known only by id, located at (0,0).
func PlaceholderStop(stopID string) models.Stop {
	return models.Stop{
		ID:     stopID,
		Name:   "Stop " + stopID,
		Source: models.SourcePlaceholder,
	}
}

// AlertID namespaces a feed entity id by source.
func AlertID(source, entityID string) string {
	return "alert_" + source + "_" + entityID
}
