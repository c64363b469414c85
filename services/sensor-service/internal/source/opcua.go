package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

const (
	handleVibration   uint32 = 1
	handleTemperature uint32 = 2
)

// OPCUAConfig maps one machine's two tags on a plant OPC UA server.
type OPCUAConfig struct {
	Endpoint        string
	Username        string
	Password        string
	SecurityMode    string
	SecurityPolicy  string
	ApplicationName string
	PublishInterval time.Duration
	MachineID       string
	VibrationNode   string
	TemperatureNode string
}

func (c *OPCUAConfig) applyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "PraxisGuard Collector"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
}

func (c OPCUAConfig) validate() error {
	if c.Endpoint == "" {
		return errors.New("opcua endpoint is required")
	}
	if c.MachineID == "" {
		return errors.New("machine id is required")
	}
	if c.VibrationNode == "" || c.TemperatureNode == "" {
		return errors.New("vibration and temperature node ids are required")
	}
	return nil
}

// OPCUASource subscribes to the vibration and temperature tags and emits a
// sample whenever either changes, once both have reported at least once.
type OPCUASource struct {
	cfg    OPCUAConfig
	logger *slog.Logger

	mu          sync.Mutex
	vibration   *float64
	temperature *float64
}

func NewOPCUASource(cfg OPCUAConfig, logger *slog.Logger) (*OPCUASource, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OPCUASource{cfg: cfg, logger: logger}, nil
}

func (s *OPCUASource) Run(ctx context.Context, out chan<- Sample) error {
	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	notifyCh := make(chan *opcua.PublishNotificationData, 8)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: s.cfg.PublishInterval}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua subscribe: %w", err)
	}
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sub.Cancel(cancelCtx)
	}()

	for handle, node := range map[uint32]string{
		handleVibration:   s.cfg.VibrationNode,
		handleTemperature: s.cfg.TemperatureNode,
	} {
		nodeID, err := ua.ParseNodeID(node)
		if err != nil {
			return fmt.Errorf("parse node id %q: %w", node, err)
		}
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			return fmt.Errorf("monitor node %q: %w", node, err)
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			return fmt.Errorf("monitor node %q rejected", node)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case notif := <-notifyCh:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.logger.Warn("opcua notification error", slog.String("error", notif.Error.Error()))
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, sample := range s.apply(data) {
				select {
				case out <- sample:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// apply folds a data change into the latest tag values and returns the
// samples it completes.
func (s *OPCUASource) apply(data *ua.DataChangeNotification) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var samples []Sample
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		v, ok := variantToFloat(item.Value.Value)
		if !ok {
			s.logger.Warn("opcua value has unsupported type", slog.Uint64("handle", uint64(item.ClientHandle)))
			continue
		}
		switch item.ClientHandle {
		case handleVibration:
			s.vibration = &v
		case handleTemperature:
			s.temperature = &v
		default:
			continue
		}
		if s.vibration == nil || s.temperature == nil {
			continue
		}
		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}
		samples = append(samples, Sample{
			MachineID:   s.cfg.MachineID,
			Vibration:   *s.vibration,
			Temperature: *s.temperature,
			Timestamp:   ts.UTC(),
		})
	}
	return samples
}

func (s *OPCUASource) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(s.cfg.SecurityPolicy),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "sign_and_encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}
