// Package publisher announces committed realtime changes on NATS.
package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtatracker-data/internal/common/logger"
	"github.com/mtatracker-data/pkg/transit/models"
)

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	logger  logger.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, log logger.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mtatracker-data"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, log, m), nil
}

func newPublisher(nc *nats.Conn, prefix string, log logger.Logger, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "mta"
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logger: log, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PollSummary describes one committed poll cycle.
type PollSummary struct {
	PollID        string         `json:"pollId"`
	Source        string         `json:"source"`
	FeedTimestamp *time.Time     `json:"feedTimestamp,omitempty"`
	CommittedAt   time.Time      `json:"committedAt"`
	Entities      int            `json:"entities"`
	Actions       map[string]int `json:"actions"`
	Errors        int            `json:"errors"`
}

type PositionMessage struct {
	TripID        string    `json:"tripId"`
	RouteID       string    `json:"routeId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	StopID        string    `json:"stopId,omitempty"`
	StopSequence  *int      `json:"stopSequence,omitempty"`
	CurrentStatus string    `json:"currentStatus"`
}

// PollSubject is <prefix>.<source>.poll.
func (p *NATSPublisher) PollSubject(source string) string {
	return p.prefix + "." + subjectToken(source) + ".poll"
}

// VehicleSubject is <prefix>.<source>.vehicles.<route>.<trip>.
func (p *NATSPublisher) VehicleSubject(source, routeID, tripID string) string {
	return p.prefix + "." + subjectToken(source) + ".vehicles." + subjectToken(routeID) + "." + subjectToken(tripID)
}

func (p *NATSPublisher) PublishPoll(summary PollSummary) error {
	return p.publish(p.PollSubject(summary.Source), summary)
}

func (p *NATSPublisher) PublishVehicle(source string, pos models.VehiclePosition) error {
	msg := positionMessage(pos)
	return p.publish(p.VehicleSubject(source, msg.RouteID, pos.TripID), msg)
}

func positionMessage(pos models.VehiclePosition) PositionMessage {
	msg := PositionMessage{
		TripID:        pos.TripID,
		Timestamp:     pos.Timestamp,
		Lat:           pos.Latitude,
		Lon:           pos.Longitude,
		StopSequence:  pos.CurrentStopSequence,
		CurrentStatus: string(pos.CurrentStatus),
	}
	if pos.RouteID != nil {
		msg.RouteID = *pos.RouteID
	}
	if pos.CurrentStopID != nil {
		msg.StopID = *pos.CurrentStopID
	}
	return msg
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.logger.Debug("NATS publish", "subject", subject)
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
