package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"praxisguard-backend/services/guard-service/internal/bus"
	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/pdm"
	"praxisguard-backend/services/guard-service/internal/storage"
)

const (
	SourceHTTP = "http"
	SourceNATS = "nats"
)

// EventTimeout bounds the store append for one bus message.
const EventTimeout = 10 * time.Second

var ErrInvalidReading = storage.ErrInvalidReading

type Dispatcher interface {
	Dispatch(machineID string) (*orchestrator.Handle, error)
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Observer interface {
	ObserveReading(source, machineID string, pof float64, breached bool)
	DispatchRejected(reason string)
}

type Forwarder interface {
	ForwardAsync(reading storage.Reading) <-chan struct{}
}

// Service is the single write path for readings, whatever transport they
// arrive on. Only the store append can fail an ingestion; everything after it
// is best effort.
type Service struct {
	Store         storage.ReadingStore
	Tuner         *pdm.Tuner
	Logger        *slog.Logger
	Metrics       Observer
	Events        Publisher
	BreachSubject string
	Dispatcher    Dispatcher
	AutoDispatch  bool
	Forwarder     Forwarder
}

type Result struct {
	Reading    storage.Reading `json:"reading"`
	Status     pdm.Status      `json:"status"`
	PoF        float64         `json:"pof"`
	DispatchID string          `json:"dispatch_id,omitempty"`
}

func (s *Service) Append(ctx context.Context, source string, reading storage.Reading) (Result, error) {
	stored, err := s.Store.AppendReading(ctx, reading)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidReading) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("append reading: %w", err)
	}

	profile := pdm.DefaultProfile()
	if s.Tuner != nil {
		profile = s.Tuner.Load()
	}
	breached := pdm.IsCritical(stored.Vibration, stored.Temperature, profile.Detector)
	res := Result{
		Reading: stored,
		Status:  pdm.Classify(stored.Vibration, stored.Temperature, profile.Detector),
		PoF:     pdm.Score(stored.Vibration, stored.Temperature, profile.Scorer),
	}
	if s.Metrics != nil {
		s.Metrics.ObserveReading(source, stored.MachineID, res.PoF, breached)
	}
	if s.Forwarder != nil {
		s.Forwarder.ForwardAsync(stored)
	}
	if !breached {
		return res, nil
	}

	s.logger().Warn("critical reading",
		slog.String("machine_id", stored.MachineID),
		slog.Float64("vibration", stored.Vibration),
		slog.Float64("temperature", stored.Temperature),
	)
	if s.Events != nil && s.BreachSubject != "" {
		evt := bus.BreachEvent{
			MachineID:   stored.MachineID,
			Vibration:   stored.Vibration,
			Temperature: stored.Temperature,
			PoF:         res.PoF,
			Timestamp:   stored.Timestamp,
		}
		if err := s.Events.Publish(s.BreachSubject, evt); err != nil {
			s.logger().Warn("publish breach event failed", slog.String("error", err.Error()))
		}
	}
	if s.AutoDispatch && s.Dispatcher != nil {
		h, err := s.Dispatcher.Dispatch(stored.MachineID)
		if err != nil {
			s.logger().Warn("auto dispatch rejected",
				slog.String("machine_id", stored.MachineID),
				slog.String("error", err.Error()),
			)
			if s.Metrics != nil {
				s.Metrics.DispatchRejected(orchestrator.RejectReason(err))
			}
		} else {
			res.DispatchID = h.ID
		}
	}
	return res, nil
}

// HandleEvent adapts Append to the bus subscription callback. Each message
// gets its own deadline detached from ctx's cancellation, so readings still
// delivered while the subscription drains on shutdown are stored.
func (s *Service) HandleEvent(ctx context.Context) func(bus.ReadingEvent) {
	base := context.WithoutCancel(ctx)
	return func(evt bus.ReadingEvent) {
		msgCtx, cancel := context.WithTimeout(base, EventTimeout)
		defer cancel()
		if _, err := s.Append(msgCtx, SourceNATS, evt.Reading()); err != nil {
			s.logger().Error("ingest from bus failed",
				slog.String("machine_id", evt.MachineID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
