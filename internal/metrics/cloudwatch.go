package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tradesim/logger"
)

//go:embed dashboard.json
var dashboardTemplate string

const (
	publishQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// cwClient is the subset of the CloudWatch API used here.
type cwClient interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

type cloudWatchState struct {
	client    cwClient
	namespace string
	region    string
}

var cwState atomic.Pointer[cloudWatchState]

type publishJob struct {
	state *cloudWatchState
	data  []cwtypes.MetricDatum
}

var (
	publishQueue  = make(chan publishJob, publishQueueSize)
	publisherOnce sync.Once
	pending       atomic.Int64
)

func init() {
	cwState.Store(&cloudWatchState{namespace: "Tradesim"})
}

// InitCloudWatch creates the CloudWatch client and the service dashboard.
// Failure to load AWS configuration leaves publishing disabled.
func InitCloudWatch(ctx context.Context, region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{client: cloudwatch.NewFromConfig(cfg), namespace: "Tradesim", region: region}
	if namespace != "" {
		state.namespace = namespace
	}
	if cfg.Region != "" {
		state.region = cfg.Region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{"region": state.region, "namespace": state.namespace}).Info("initialized CloudWatch client")

	if err := putDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs a metric and queues it for CloudWatch when a client is
// configured. It never waits on the CloudWatch API; when the queue is full
// the datum is dropped. Non-numeric values are only logged.
func EmitMetric(log *logger.Log, component, metric string, value interface{}, metricType string, fields logger.Fields) {
	ev, ok := record(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}
	v, ok := toFloat64(ev.Value)
	if !ok {
		return
	}

	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := ev.Fields["unit"].(string); ok {
		unit = metricUnitFromString(raw)
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(ev.Component)}}
	for k, fv := range ev.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := fv.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	enqueue(state, []cwtypes.MetricDatum{{
		MetricName: aws.String(ev.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(v),
	}})
}

func enqueue(state *cloudWatchState, data []cwtypes.MetricDatum) {
	publisherOnce.Do(func() { go runPublisher() })

	pending.Add(1)
	select {
	case publishQueue <- publishJob{state: state, data: data}:
	default:
		pending.Add(-1)
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
			"metric": aws.ToString(data[0].MetricName),
		}).Warn("CloudWatch publish queue full, dropping metric")
	}
}

func runPublisher() {
	for job := range publishQueue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		publish(ctx, job.state, job.data)
		cancel()
		pending.Add(-1)
	}
}

// FlushCloudWatch blocks until every queued metric has been published or ctx
// is done.
func FlushCloudWatch(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func putDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}
	body := strings.ReplaceAll(dashboardTemplate, "\"Tradesim\"", fmt.Sprintf("%q", state.namespace))
	if state.region != "" {
		body = strings.ReplaceAll(body, "\"us-east-1\"", fmt.Sprintf("%q", state.region))
	}
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("dashboard template is not valid JSON after substitution")
	}
	_, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.namespace),
		DashboardBody: aws.String(body),
	})
	return err
}

func publish(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "percent":
		return cwtypes.StandardUnitPercent
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds
	case "megabytes":
		return cwtypes.StandardUnitMegabytes
	default:
		return cwtypes.StandardUnitCount
	}
}
